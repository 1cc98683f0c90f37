// Servidor HTTP del catálogo
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type CatalogServer struct {
	svc      *Service
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewCatalogServer(svc *Service, logger zerolog.Logger) *CatalogServer {
	return &CatalogServer{svc: svc, validate: validator.New(), logger: logger}
}

func (s *CatalogServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-ID"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", status).Dur("duration", d).Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/books/{id}", func(r chi.Router) {
		r.Get("/", s.getBook)
		r.Patch("/stock", s.decrementStock)
		r.Patch("/restock", s.restoreStock)
	})
	return r
}

type dataEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *CatalogServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound ErrBookNotFound
		short    ErrInsufficient
		mismatch ErrKeyMismatch
	)
	status, code, msg := http.StatusInternalServerError, "INTERNAL", "unexpected error occurred"
	switch {
	case errors.As(err, &notFound):
		status, code, msg = http.StatusNotFound, "BOOK_NOT_FOUND", err.Error()
	case errors.As(err, &short):
		status, code, msg = http.StatusConflict, "INSUFFICIENT_STOCK", err.Error()
	case errors.As(err, &mismatch):
		status, code, msg = http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_MISMATCH", err.Error()
	case errors.Is(err, ErrInvalidQuantity):
		status, code, msg = http.StatusUnprocessableEntity, "INVALID_QUANTITY", err.Error()
	case errors.Is(err, ErrMissingKey):
		status, code, msg = http.StatusUnprocessableEntity, "INVALID_REQUEST", err.Error()
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("unexpected error")
	}
	writeJSON(w, status, errorEnvelope{Status: "error", Code: code, Message: msg})
}

func bookID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *CatalogServer) getBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(r)
	if !ok {
		s.writeError(w, r, ErrBookNotFound{BookID: id})
		return
	}
	b, err := s.svc.GetBook(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: bookToView(b)})
}

type stockRequest struct {
	Quantity       int32  `json:"quantity" validate:"gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

// decodeStock reads the body; the Idempotency-Key header fills a missing key.
func (s *CatalogServer) decodeStock(r *http.Request) (stockRequest, error) {
	var req stockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, ErrInvalidQuantity
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && verrs[0].StructField() == "IdempotencyKey" {
			return req, ErrMissingKey
		}
		return req, ErrInvalidQuantity
	}
	return req, nil
}

func (s *CatalogServer) decrementStock(w http.ResponseWriter, r *http.Request) {
	s.changeStock(w, r, s.svc.DecrementStock)
}

func (s *CatalogServer) restoreStock(w http.ResponseWriter, r *http.Request) {
	s.changeStock(w, r, s.svc.RestoreStock)
}

func (s *CatalogServer) changeStock(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, bookID int64, qty int32, key string) (StockChange, error)) {
	id, ok := bookID(r)
	if !ok {
		s.writeError(w, r, ErrBookNotFound{BookID: id})
		return
	}
	req, err := s.decodeStock(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := apply(r.Context(), id, req.Quantity, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": ch})
}
