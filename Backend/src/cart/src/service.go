package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// fase 2 (descontar y cerrar) no depende de que el cliente siga conectado
	placeOrderTimeout = 30 * time.Second
	// Tiempo máximo para deshacer decrementos aunque el cliente haya cortado
	compensationTimeout = 15 * time.Second
)

// CartService implements the cart and order workflows. A cart moves
// NoOpenCart -> Open -> Ordered; Ordered is terminal.
type CartService struct {
	repo    CartRepository
	catalog BookCatalog
	events  EventPublisher
	logger  zerolog.Logger
	locks   *userLocks
	fanout  int
}

func NewCartService(repo CartRepository, catalog BookCatalog, events EventPublisher, logger zerolog.Logger, fanout int) *CartService {
	if events == nil {
		events = noopPublisher{}
	}
	if fanout < 1 {
		fanout = 1
	}
	return &CartService{
		repo:    repo,
		catalog: catalog,
		events:  events,
		logger:  logger,
		locks:   newUserLocks(),
		fanout:  fanout,
	}
}

// AddOrUpdateItem sets the quantity of bookID in the user's open cart,
// creating the cart when needed. The quantity replaces any previous one.
func (s *CartService) AddOrUpdateItem(ctx context.Context, userID, bookID int64, qty int32) (CartTotals, error) {
	if qty <= 0 {
		return CartTotals{}, ErrInvalidQuantity
	}

	book, err := s.catalog.FetchBook(ctx, bookID)
	if err != nil {
		return CartTotals{}, err
	}
	// chequeo contra el stock actual del catálogo, no es una reserva
	if qty > book.Stock {
		s.logger.Info().Int64("book_id", bookID).Int32("qty", qty).Int32("stock", book.Stock).
			Msg("requested quantity above stock")
		return CartTotals{}, newError(CodeInsufficientStock,
			"requested quantity %d exceeds available stock %d for book ID %d", qty, book.Stock, bookID)
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	// Otro proceso puede ordenar el carrito entre la lectura y el upsert;
	// en ese caso se reintenta una vez con el carrito nuevo.
	var cart *Cart
	for attempt := 0; attempt < 2; attempt++ {
		cart, err = s.repo.GetOrCreateOpenCart(ctx, userID)
		if err != nil {
			return CartTotals{}, err
		}
		cart, err = s.repo.UpsertItem(ctx, cart.ID, bookID, qty, book.Price)
		if !errors.Is(err, ErrCartNotFound) {
			break
		}
	}
	if err != nil {
		return CartTotals{}, err
	}

	s.logger.Info().Int64("user_id", userID).Int64("cart_id", cart.ID).Int64("book_id", bookID).
		Int32("qty", qty).Int64("total_price", cart.TotalPrice).Msg("cart updated")
	return totalsOf(cart), nil
}

// RemoveItem drops bookID from the open cart. An emptied cart stays open.
func (s *CartService) RemoveItem(ctx context.Context, userID, bookID int64) (CartTotals, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	cart, err := s.repo.GetOpenCart(ctx, userID)
	if err != nil {
		return CartTotals{}, err
	}
	cart, err = s.repo.RemoveItem(ctx, cart.ID, bookID)
	if err != nil {
		return CartTotals{}, err
	}
	s.logger.Info().Int64("user_id", userID).Int64("cart_id", cart.ID).Int64("book_id", bookID).Msg("cart item removed")
	return totalsOf(cart), nil
}

func (s *CartService) ViewCart(ctx context.Context, userID int64) (*Cart, error) {
	return s.repo.GetOpenCart(ctx, userID)
}

// PlaceOrder validates every line against live catalog stock, then
// decrements stock line by line and marks the cart ordered. A failed
// decrement rolls back the ones already applied; if that rollback fails too
// the order is kept but flagged for reconciliation.
func (s *CartService) PlaceOrder(ctx context.Context, userID int64) (OrderSummary, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	cart, err := s.repo.GetOpenCart(ctx, userID)
	if errors.Is(err, ErrCartNotFound) || (err == nil && cart.Empty()) {
		return OrderSummary{}, ErrCartEmptyOrMissing
	}
	if err != nil {
		return OrderSummary{}, err
	}

	log := s.logger.With().Int64("user_id", userID).Int64("cart_id", cart.ID).Logger()

	// Fase 1: validar contra el stock actual, sin tocar nada
	if err := s.validateStock(ctx, cart.Items); err != nil {
		log.Warn().Err(err).Msg("order validation failed")
		return OrderSummary{}, err
	}

	// Fase 2: descontar stock y cerrar el carrito, aunque el cliente cancele
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), placeOrderTimeout)
	defer cancel()

	attempt := uuid.NewString()
	applied, err := s.decrementAll(pctx, cart, attempt)
	if err != nil {
		return OrderSummary{}, s.compensate(pctx, cart, attempt, applied, err)
	}

	if err := s.repo.MarkOrdered(pctx, cart.ID, OrderStatusCompleted); err != nil {
		// otro proceso ya ordenó este carrito, o falló el store: devolver el stock
		if cerr := s.compensate(pctx, cart, attempt, applied, err); errors.Is(cerr, ErrOrderPartiallyFailed) {
			return OrderSummary{}, cerr
		}
		if errors.Is(err, ErrCartNotFound) {
			return OrderSummary{}, ErrCartEmptyOrMissing
		}
		return OrderSummary{}, err
	}

	cart.IsOrdered = true
	cart.OrderStatus = OrderStatusCompleted
	cart.OrderedUnix = nowUnix()
	log.Info().Int64("total_price", cart.TotalPrice).Int64("total_quantity", cart.TotalQuantity).Msg("order placed")

	payload := OrderPlacedPayload{
		OrderID:       cart.ID,
		UserID:        userID,
		Items:         orderItemsEvt(cart.Items),
		TotalPrice:    cart.TotalPrice,
		TotalQuantity: cart.TotalQuantity,
		OrderedUnix:   cart.OrderedUnix,
	}
	if err := s.events.PublishJSON(ctx, RKOrderPlaced, payload); err != nil {
		log.Warn().Err(err).Msg("publish order.placed failed")
	}
	return summaryOf(cart), nil
}

func (s *CartService) validateStock(ctx context.Context, items []CartItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for _, it := range items {
		it := it
		g.Go(func() error {
			book, err := s.catalog.FetchBook(gctx, it.BookID)
			if err != nil {
				return err
			}
			if it.Quantity > book.Stock {
				return newError(CodeInsufficientStock, "insufficient stock for book ID %d: requested %d, available %d",
					it.BookID, it.Quantity, book.Stock)
			}
			return nil
		})
	}
	return g.Wait()
}

func movementKey(cartID int64, attempt string, bookID int64) string {
	return fmt.Sprintf("order-%d-%s-book-%d", cartID, attempt, bookID)
}

func (s *CartService) recordMovement(ctx context.Context, cartID int64, it CartItem, key, state string) {
	m := StockMovement{CartID: cartID, BookID: it.BookID, Quantity: it.Quantity, IdempotencyKey: key, State: state}
	if err := s.repo.RecordStockMovement(ctx, m); err != nil {
		s.logger.Error().Err(err).Int64("cart_id", cartID).Str("key", key).Str("state", state).
			Msg("could not record stock movement")
	}
}

// decrementRejected reports whether the catalog answered and refused the
// decrement. Any other failure leaves its outcome unknown.
func decrementRejected(err error) bool {
	return errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrBookNotFound)
}

// decrementAll returns the items the catalog may have decremented: every
// acknowledged one, plus the failing one when its outcome is unknown.
// Restoring a key the catalog never applied only voids it.
func (s *CartService) decrementAll(ctx context.Context, cart *Cart, attempt string) ([]CartItem, error) {
	applied := make([]CartItem, 0, len(cart.Items))
	for _, it := range cart.Items {
		key := movementKey(cart.ID, attempt, it.BookID)
		s.recordMovement(ctx, cart.ID, it, key, MovementPending)
		if err := s.catalog.DecrementStock(ctx, it.BookID, it.Quantity, key); err != nil {
			s.recordMovement(ctx, cart.ID, it, key, MovementFailed)
			s.logger.Warn().Err(err).Int64("cart_id", cart.ID).Int64("book_id", it.BookID).Msg("stock decrement failed")
			if !decrementRejected(err) {
				applied = append(applied, it)
			}
			return applied, err
		}
		s.recordMovement(ctx, cart.ID, it, key, MovementApplied)
		applied = append(applied, it)
	}
	return applied, nil
}

// compensate restores every possibly applied decrement. It returns cause when all of
// them were undone, ErrOrderPartiallyFailed otherwise.
func (s *CartService) compensate(ctx context.Context, cart *Cart, attempt string, applied []CartItem, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var unresolved []OrderItemEvt
	for i := len(applied) - 1; i >= 0; i-- {
		it := applied[i]
		key := movementKey(cart.ID, attempt, it.BookID)
		if err := s.catalog.RestoreStock(cctx, it.BookID, it.Quantity, key); err != nil {
			s.logger.Error().Err(err).Int64("cart_id", cart.ID).Int64("book_id", it.BookID).Msg("stock compensation failed")
			evt := orderItemsEvt([]CartItem{it})[0]
			evt.IdempotencyKey = key
			unresolved = append(unresolved, evt)
			continue
		}
		s.recordMovement(cctx, cart.ID, it, key, MovementCompensated)
	}

	if len(unresolved) == 0 {
		s.logger.Warn().Err(cause).Int64("cart_id", cart.ID).Int("restored", len(applied)).Msg("order rolled back")
		return cause
	}

	if err := s.repo.MarkOrdered(cctx, cart.ID, OrderStatusReconciliationRequired); err != nil {
		s.logger.Error().Err(err).Int64("cart_id", cart.ID).Msg("could not flag order for reconciliation")
	}
	payload := ReconciliationPayload{
		OrderID:    cart.ID,
		UserID:     cart.UserID,
		Unresolved: unresolved,
		Reason:     cause.Error(),
	}
	if err := s.events.PublishJSON(cctx, RKOrderReconciliationRequired, payload); err != nil {
		s.logger.Warn().Err(err).Msg("publish reconciliation event failed")
	}
	s.logger.Error().Err(cause).Int64("cart_id", cart.ID).Int("unresolved", len(unresolved)).
		Msg("order requires reconciliation")
	return ErrOrderPartiallyFailed.withCause(cause)
}

// RecoverStaleMovements gives back stock held by order attempts that never
// finished: a crash mid decrement, or a rollback whose cart could not be
// flagged. Only open carts are swept, and never more recently than a
// running PlaceOrder could still touch them.
func (s *CartService) RecoverStaleMovements(ctx context.Context, olderThan time.Duration) (int, error) {
	if floor := placeOrderTimeout + compensationTimeout; olderThan < floor {
		olderThan = floor
	}
	stale, err := s.repo.StaleMovements(ctx, time.Now().Add(-olderThan).Unix())
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, m := range stale {
		if err := s.catalog.RestoreStock(ctx, m.BookID, m.Quantity, m.IdempotencyKey); err != nil {
			s.logger.Warn().Err(err).Int64("cart_id", m.CartID).Str("key", m.IdempotencyKey).
				Msg("stale movement restore failed")
			continue
		}
		m.State = MovementCompensated
		if err := s.repo.RecordStockMovement(ctx, m); err != nil {
			return restored, err
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info().Int("restored", restored).Msg("stale stock movements recovered")
	}
	return restored, nil
}

// ViewOrderDetails renders the latest order with live catalog titles and
// prices; ChargedAmount keeps what was stored when the order was placed.
func (s *CartService) ViewOrderDetails(ctx context.Context, userID int64) (*OrderDetails, error) {
	cart, err := s.repo.GetOrderedCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	lines := make([]OrderLine, len(cart.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, it := range cart.Items {
		i, it := i, it
		g.Go(func() error {
			book, err := s.catalog.FetchBook(gctx, it.BookID)
			if err != nil {
				return err
			}
			lines[i] = OrderLine{
				BookID:    it.BookID,
				BookTitle: book.Description,
				Quantity:  it.Quantity,
				Price:     book.Price,
				TotalCost: int64(it.Quantity) * book.Price,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	details := &OrderDetails{
		OrderID:       cart.ID,
		UserID:        userID,
		OrderedItems:  lines,
		OrderStatus:   displayStatus(cart.OrderStatus),
		ChargedAmount: cart.TotalPrice,
		OrderedAt:     time.Unix(cart.OrderedUnix, 0).UTC(),
	}
	for _, l := range lines {
		details.TotalAmount += l.TotalCost
	}
	return details, nil
}

// ListOrders returns the user's order history, newest first.
func (s *CartService) ListOrders(ctx context.Context, userID int64) ([]OrderSummary, error) {
	carts, err := s.repo.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]OrderSummary, 0, len(carts))
	for i := range carts {
		out = append(out, summaryOf(&carts[i]))
	}
	return out, nil
}

// DeleteCart discards a non-empty open cart. No stock is restored since
// nothing is decremented before an order is placed.
func (s *CartService) DeleteCart(ctx context.Context, userID int64) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	cart, err := s.repo.GetOpenCart(ctx, userID)
	if err != nil {
		return err
	}
	if cart.Empty() {
		return newError(CodeCartNotFound, "cart not found or empty")
	}
	if err := s.repo.DeleteCart(ctx, cart.ID); err != nil {
		return err
	}
	s.logger.Info().Int64("user_id", userID).Int64("cart_id", cart.ID).Msg("cart deleted")
	return nil
}
