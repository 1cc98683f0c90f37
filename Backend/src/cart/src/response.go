package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

type envelope struct {
	Message string `json:"message,omitempty"`
	Status  string `json:"status"`
	Code    Code   `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Message: message, Status: "success", Data: data}); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

// writeError answers with the status of err's code. Classified errors carry
// their own message; anything else is logged and reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := codeOf(err)
	msg := ErrInternal.Message

	var e *Error
	if code == CodeInternal || !errors.As(err, &e) {
		hlog.FromRequest(r).Error().Err(err).Msg("unexpected error")
		code = CodeInternal
	} else {
		msg = e.Message
		ev := hlog.FromRequest(r).Info()
		if code.HTTPStatus() >= 500 {
			ev = hlog.FromRequest(r).Error()
		}
		ev.Err(err).Str("code", string(code)).Msg("request failed")
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code.HTTPStatus())
	if err := json.NewEncoder(w).Encode(envelope{Message: msg, Status: "error", Code: code}); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode error response")
	}
}
