package main

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type contextKey string

const (
	ctxIdentity   contextKey = "identity"
	ctxAuthHeader contextKey = "auth_header"
)

func withIdentity(ctx context.Context, id *Identity, authHeader string) context.Context {
	ctx = context.WithValue(ctx, ctxIdentity, id)
	return context.WithValue(ctx, ctxAuthHeader, authHeader)
}

// identityFrom returns the identity the auth middleware resolved, if any.
func identityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(*Identity)
	return id, ok && id != nil
}

// authHeaderFrom returns the caller's raw Authorization header.
func authHeaderFrom(ctx context.Context) string {
	h, _ := ctx.Value(ctxAuthHeader).(string)
	return h
}

// tokenFromHeader accepts "Bearer <token>" and, like the user service
// clients, a bare token.
func tokenFromHeader(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// requireAuth resolves the bearer token with the user service and attaches
// the identity to the request context. Every cart route sits behind it.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		id, err := s.identity.Resolve(r.Context(), tokenFromHeader(header))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Int64("user_id", id.ID)
		})
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id, header)))
	})
}

// rateLimit must run after requireAuth.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := identityFrom(r.Context()); ok && !s.limiter.Allow(id.ID) {
			s.writeError(w, r, newError(CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestID propagates X-Request-ID, generating one when absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", rid)
		})
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("handler panic")
				s.writeError(w, r, ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
