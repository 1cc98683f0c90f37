// Operaciones de carrito
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CartRepository owns the relational state of carts and their line items.
// Every method runs in its own transaction; item mutations recompute the
// cart totals inside that same transaction.
type CartRepository interface {
	GetOpenCart(ctx context.Context, userID int64) (*Cart, error)
	GetOrCreateOpenCart(ctx context.Context, userID int64) (*Cart, error)
	UpsertItem(ctx context.Context, cartID, bookID int64, qty int32, unitPrice int64) (*Cart, error)
	RemoveItem(ctx context.Context, cartID, bookID int64) (*Cart, error)
	RecomputeTotals(ctx context.Context, cartID int64) (*Cart, error)
	DeleteCart(ctx context.Context, cartID int64) error
	MarkOrdered(ctx context.Context, cartID int64, status string) error
	GetOrderedCart(ctx context.Context, userID int64) (*Cart, error)
	ListOrders(ctx context.Context, userID int64) ([]Cart, error)
	RecordStockMovement(ctx context.Context, m StockMovement) error
	StockMovements(ctx context.Context, cartID int64) ([]StockMovement, error)
	StaleMovements(ctx context.Context, before int64) ([]StockMovement, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) CartRepository { return &sqliteRepo{db: db} }

// queryer lo cumplen *sql.DB y *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const cartColumns = `id, user_id, total_price, total_quantity, is_ordered, order_status, created_unix, updated_unix, ordered_unix`

const openCartClause = `user_id=? AND is_ordered=0`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCart(s rowScanner) (*Cart, error) {
	var c Cart
	if err := s.Scan(&c.ID, &c.UserID, &c.TotalPrice, &c.TotalQuantity, &c.IsOrdered,
		&c.OrderStatus, &c.CreatedUnix, &c.UpdatedUnix, &c.OrderedUnix); err != nil {
		return nil, err
	}
	return &c, nil
}

// loadCart reads the first cart matching clause together with its items.
// Returns sql.ErrNoRows (unwrapped) when nothing matches.
func loadCart(ctx context.Context, q queryer, clause string, args ...any) (*Cart, error) {
	c, err := scanCart(q.QueryRowContext(ctx, `SELECT `+cartColumns+` FROM carts WHERE `+clause, args...))
	if err != nil {
		return nil, err
	}
	items, err := listItems(ctx, q, c.ID)
	if err != nil {
		return nil, err
	}
	c.Items = items
	return c, nil
}

func listItems(ctx context.Context, q queryer, cartID int64) ([]CartItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, cart_id, book_id, quantity, unit_price, price
		FROM cart_items WHERE cart_id=? ORDER BY book_id`, cartID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []CartItem{}
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.BookID, &it.Quantity, &it.UnitPrice, &it.Price); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *sqliteRepo) GetOpenCart(ctx context.Context, userID int64) (*Cart, error) {
	c, err := loadCart(ctx, r.db, openCartClause, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open cart: %w", err)
	}
	return c, nil
}

func (r *sqliteRepo) GetOrCreateOpenCart(ctx context.Context, userID int64) (*Cart, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Si otro request ya creó el carrito abierto, el índice único parcial
	// descarta este INSERT y se lee la fila ganadora.
	now := nowUnix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO carts(user_id, created_unix, updated_unix) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, userID, now, now); err != nil {
		return nil, fmt.Errorf("insert cart: %w", err)
	}
	c, err := loadCart(ctx, tx, openCartClause, userID)
	if err != nil {
		return nil, fmt.Errorf("reload cart: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// requireOpen fails with ErrCartNotFound unless cartID is an open cart.
func requireOpen(ctx context.Context, tx *sql.Tx, cartID int64) error {
	var ordered bool
	err := tx.QueryRowContext(ctx, `SELECT is_ordered FROM carts WHERE id=?`, cartID).Scan(&ordered)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && ordered) {
		return ErrCartNotFound
	}
	if err != nil {
		return fmt.Errorf("check cart: %w", err)
	}
	return nil
}

func recomputeTotals(ctx context.Context, tx *sql.Tx, cartID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE carts SET
		  total_price    = (SELECT COALESCE(SUM(price), 0)    FROM cart_items WHERE cart_id = carts.id),
		  total_quantity = (SELECT COALESCE(SUM(quantity), 0) FROM cart_items WHERE cart_id = carts.id),
		  updated_unix   = ?
		WHERE id=?`, nowUnix(), cartID)
	if err != nil {
		return fmt.Errorf("recompute totals: %w", err)
	}
	return nil
}

// mutate runs fn on an open cart, recomputes totals and returns the fresh cart.
func (r *sqliteRepo) mutate(ctx context.Context, cartID int64, fn func(tx *sql.Tx) error) (*Cart, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireOpen(ctx, tx, cartID); err != nil {
		return nil, err
	}
	if fn != nil {
		if err := fn(tx); err != nil {
			return nil, err
		}
	}
	if err := recomputeTotals(ctx, tx, cartID); err != nil {
		return nil, err
	}
	c, err := loadCart(ctx, tx, `id=?`, cartID)
	if err != nil {
		return nil, fmt.Errorf("reload cart: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

func (r *sqliteRepo) UpsertItem(ctx context.Context, cartID, bookID int64, qty int32, unitPrice int64) (*Cart, error) {
	return r.mutate(ctx, cartID, func(tx *sql.Tx) error {
		// reemplaza cantidad y precio; no acumula
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cart_items(cart_id, book_id, quantity, unit_price, price)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(cart_id, book_id)
			DO UPDATE SET quantity = excluded.quantity,
			              unit_price = excluded.unit_price,
			              price = excluded.price`,
			cartID, bookID, qty, unitPrice, unitPrice*int64(qty))
		if err != nil {
			return fmt.Errorf("upsert item: %w", err)
		}
		return nil
	})
}

func (r *sqliteRepo) RemoveItem(ctx context.Context, cartID, bookID int64) (*Cart, error) {
	return r.mutate(ctx, cartID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id=? AND book_id=?`, cartID, bookID)
		if err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrItemNotFound
		}
		return nil
	})
}

func (r *sqliteRepo) RecomputeTotals(ctx context.Context, cartID int64) (*Cart, error) {
	return r.mutate(ctx, cartID, nil)
}

func (r *sqliteRepo) DeleteCart(ctx context.Context, cartID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM carts WHERE id=? AND is_ordered=0`, cartID)
	if err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (r *sqliteRepo) MarkOrdered(ctx context.Context, cartID int64, status string) error {
	now := nowUnix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE carts SET is_ordered=1, order_status=?, ordered_unix=?, updated_unix=?
		WHERE id=? AND is_ordered=0`, status, now, now, cartID)
	if err != nil {
		return fmt.Errorf("mark ordered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (r *sqliteRepo) GetOrderedCart(ctx context.Context, userID int64) (*Cart, error) {
	c, err := loadCart(ctx, r.db, `user_id=? AND is_ordered=1 ORDER BY ordered_unix DESC, id DESC LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOrderFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ordered cart: %w", err)
	}
	return c, nil
}

func (r *sqliteRepo) ListOrders(ctx context.Context, userID int64) ([]Cart, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+cartColumns+` FROM carts
		WHERE user_id=? AND is_ordered=1
		ORDER BY ordered_unix DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := []Cart{}
	for rows.Next() {
		c, err := scanCart(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		items, err := listItems(ctx, r.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

func (r *sqliteRepo) RecordStockMovement(ctx context.Context, m StockMovement) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stock_movements(cart_id, book_id, quantity, idempotency_key, state, updated_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key)
		DO UPDATE SET state = excluded.state, quantity = excluded.quantity, updated_unix = excluded.updated_unix`,
		m.CartID, m.BookID, m.Quantity, m.IdempotencyKey, m.State, nowUnix())
	if err != nil {
		return fmt.Errorf("record stock movement: %w", err)
	}
	return nil
}

func (r *sqliteRepo) StockMovements(ctx context.Context, cartID int64) ([]StockMovement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cart_id, book_id, quantity, idempotency_key, state
		FROM stock_movements WHERE cart_id=? ORDER BY book_id`, cartID)
	if err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	return scanMovements(rows)
}

// StaleMovements lists movements of still-open carts that were never
// compensated and were last touched before the given unix time.
func (r *sqliteRepo) StaleMovements(ctx context.Context, before int64) ([]StockMovement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.cart_id, m.book_id, m.quantity, m.idempotency_key, m.state
		FROM stock_movements m JOIN carts c ON c.id = m.cart_id
		WHERE c.is_ordered = 0 AND m.state IN (?, ?, ?) AND m.updated_unix < ?
		ORDER BY m.id`,
		MovementPending, MovementApplied, MovementFailed, before)
	if err != nil {
		return nil, fmt.Errorf("list stale movements: %w", err)
	}
	return scanMovements(rows)
}

func scanMovements(rows *sql.Rows) ([]StockMovement, error) {
	defer rows.Close()
	var out []StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.CartID, &m.BookID, &m.Quantity, &m.IdempotencyKey, &m.State); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
