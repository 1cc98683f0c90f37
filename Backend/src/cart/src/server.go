// Servidor HTTP del carrito
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	svc      *CartService
	identity IdentityResolver
	limiter  *userRateLimiter
	validate *validator.Validate
	logger   zerolog.Logger
	origins  []string
}

func NewServer(svc *CartService, identity IdentityResolver, limiter *userRateLimiter, logger zerolog.Logger, origins []string) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		svc:      svc,
		identity: identity,
		limiter:  limiter,
		validate: v,
		logger:   logger,
		origins:  origins,
	}
}

// Routes builds the HTTP handler. Every /cart route requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.logger))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(s.recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, "ok", nil)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth, s.rateLimit)

		r.Post("/cart/items", s.handleAddItem)
		r.Get("/cart", s.handleViewCart)
		r.Delete("/cart/items", s.handleRemoveItem)
		r.Patch("/cart/place-order", s.handlePlaceOrder)
		r.Get("/cart/order-details", s.handleOrderDetails)
		r.Get("/cart/orders", s.handleListOrders)
		r.Delete("/all-cart-delete", s.handleDeleteCart)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
	})
	return c.Handler(r)
}

type addItemRequest struct {
	BookID   int64 `json:"book_id" validate:"required,gt=0"`
	Quantity int32 `json:"quantity" validate:"gt=0"`
}

func (s *Server) decodeAddItem(r *http.Request) (addItemRequest, error) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "quantity" {
			return req, ErrInvalidQuantity
		}
		return req, newError(CodeInvalidRequest, "invalid request body").withCause(err)
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "quantity" {
					return req, ErrInvalidQuantity
				}
			}
			return req, newError(CodeInvalidRequest, "%s is required and must be a positive integer", verrs[0].Field())
		}
		return req, newError(CodeInvalidRequest, "invalid request body").withCause(err)
	}
	return req, nil
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	req, err := s.decodeAddItem(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	totals, err := s.svc.AddOrUpdateItem(r.Context(), user.ID, req.BookID, req.Quantity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, "Item added to cart", totals)
}

func (s *Server) handleViewCart(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	cart, err := s.svc.ViewCart(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "Cart retrieved", cart)
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	bookID, err := strconv.ParseInt(r.URL.Query().Get("book_id"), 10, 64)
	if err != nil || bookID <= 0 {
		s.writeError(w, r, newError(CodeInvalidRequest, "book_id query parameter must be a positive integer"))
		return
	}
	totals, err := s.svc.RemoveItem(r.Context(), user.ID, bookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "Item removed from cart", totals)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	summary, err := s.svc.PlaceOrder(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, "Order placed successfully", summary)
}

func (s *Server) handleOrderDetails(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	details, err := s.svc.ViewOrderDetails(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "Order details retrieved", details)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	orders, err := s.svc.ListOrders(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "Orders retrieved", orders)
}

func (s *Server) handleDeleteCart(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	if err := s.svc.DeleteCart(r.Context(), user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "Cart deleted", nil)
}
