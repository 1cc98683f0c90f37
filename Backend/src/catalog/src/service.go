package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// Eventos del catálogo
const (
	RKStockDecremented = "catalog.stock.decremented"
	RKStockRestored    = "catalog.stock.restored"
)

type Events interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type Service struct {
	repo   Repository
	events Events
	logger zerolog.Logger
}

func NewService(repo Repository, events Events, logger zerolog.Logger) *Service {
	return &Service{repo: repo, events: events, logger: logger}
}

func (s *Service) publish(ctx context.Context, key string, v any) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("rk", key).Msg("marshal event")
		return
	}
	if err := s.events.Publish(ctx, key, body); err != nil {
		s.logger.Warn().Err(err).Str("rk", key).Msg("publish event failed")
	}
}

func (s *Service) GetBook(ctx context.Context, id int64) (*Book, error) {
	return s.repo.Get(ctx, id)
}

func validateChange(qty int32, key string) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	return nil
}

func (s *Service) DecrementStock(ctx context.Context, bookID int64, qty int32, key string) (StockChange, error) {
	if err := validateChange(qty, key); err != nil {
		return StockChange{}, err
	}
	ch, err := s.repo.Decrement(ctx, bookID, qty, key)
	if err != nil {
		return ch, err
	}
	if !ch.Replayed {
		s.logger.Info().Int64("book_id", bookID).Int32("qty", qty).Int32("stock", ch.Stock).Str("key", key).Msg("stock decremented")
		s.publish(ctx, RKStockDecremented, ch)
	}
	return ch, nil
}

func (s *Service) RestoreStock(ctx context.Context, bookID int64, qty int32, key string) (StockChange, error) {
	if err := validateChange(qty, key); err != nil {
		return StockChange{}, err
	}
	ch, err := s.repo.Restore(ctx, bookID, qty, key)
	if err != nil {
		return ch, err
	}
	if !ch.Replayed {
		s.logger.Info().Int64("book_id", bookID).Int32("qty", ch.Quantity).Int32("stock", ch.Stock).Str("key", key).Msg("stock restored")
		s.publish(ctx, RKStockRestored, ch)
	}
	return ch, nil
}

// ReconcileItem is one decrement the cart could not roll back itself.
type ReconcileItem struct {
	BookID         int64  `json:"book_id"`
	Quantity       int32  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ReconcileRequest struct {
	OrderID    int64           `json:"order_id"`
	UserID     int64           `json:"user_id"`
	Unresolved []ReconcileItem `json:"unresolved"`
	Reason     string          `json:"reason"`
}

// Reconcile restores every unresolved decrement of a failed order. Items
// without a key cannot be matched to the ledger and are skipped.
func (s *Service) Reconcile(ctx context.Context, req ReconcileRequest) error {
	log := s.logger.With().Int64("order_id", req.OrderID).Logger()
	for _, it := range req.Unresolved {
		if it.IdempotencyKey == "" {
			log.Warn().Int64("book_id", it.BookID).Msg("reconcile: item without idempotency key")
			continue
		}
		if _, err := s.RestoreStock(ctx, it.BookID, it.Quantity, it.IdempotencyKey); err != nil {
			return err
		}
	}
	log.Info().Int("items", len(req.Unresolved)).Msg("order reconciled")
	return nil
}
