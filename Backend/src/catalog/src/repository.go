package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repository interface {
	Get(ctx context.Context, id int64) (*Book, error)
	Create(ctx context.Context, b *Book) (int64, error)
	// Decrement takes qty units of stock at most once per key.
	Decrement(ctx context.Context, bookID int64, qty int32, key string) (StockChange, error)
	// Restore gives back what Decrement took under key, at most once.
	Restore(ctx context.Context, bookID int64, qty int32, key string) (StockChange, error)
	Seed(ctx context.Context) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const bookColumns = `id,title,author,description,price_cents,stock,cover_url,created_unix`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBook(ctx context.Context, q rowQuerier, id int64) (*Book, error) {
	var b Book
	err := q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id=?`, id).
		Scan(&b.ID, &b.Title, &b.Author, &b.Description, &b.PriceCents, &b.Stock, &b.CoverURL, &b.CreatedUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound{BookID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get book %d: %w", id, err)
	}
	return &b, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id int64) (*Book, error) {
	return getBook(ctx, r.db, id)
}

func (r *sqliteRepo) Create(ctx context.Context, b *Book) (int64, error) {
	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO books(title,author,description,price_cents,stock,cover_url,created_unix,updated_unix)
		VALUES(?,?,?,?,?,?,?,?)`,
		b.Title, b.Author, b.Description, b.PriceCents, b.Stock, b.CoverURL, now, now)
	if err != nil {
		return 0, fmt.Errorf("create book: %w", err)
	}
	return res.LastInsertId()
}

type ledgerEntry struct {
	bookID int64
	qty    int32
	state  string
}

// lookupKey returns nil when the key was never seen.
func lookupKey(ctx context.Context, tx *sql.Tx, key string) (*ledgerEntry, error) {
	var e ledgerEntry
	err := tx.QueryRowContext(ctx,
		`SELECT book_id, quantity, state FROM stock_ledger WHERE idempotency_key=?`, key).
		Scan(&e.bookID, &e.qty, &e.state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	return &e, nil
}

func currentStock(ctx context.Context, tx *sql.Tx, bookID int64) (int32, error) {
	b, err := getBook(ctx, tx, bookID)
	if err != nil {
		return 0, err
	}
	return b.Stock, nil
}

func (r *sqliteRepo) Decrement(ctx context.Context, bookID int64, qty int32, key string) (StockChange, error) {
	out := StockChange{BookID: bookID, Quantity: qty, IdempotencyKey: key}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	prev, err := lookupKey(ctx, tx, key)
	if err != nil {
		return out, err
	}
	if prev != nil {
		if prev.bookID != bookID || (prev.state != LedgerVoided && prev.qty != qty) {
			return out, ErrKeyMismatch{Key: key}
		}
		// repetición: no se vuelve a descontar
		out.Replayed = true
		if out.Stock, err = currentStock(ctx, tx, bookID); err != nil {
			return out, err
		}
		return out, nil
	}

	// compare-and-decrement: el stock nunca queda negativo
	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE books SET stock = stock - ?, updated_unix = ?
		WHERE id=? AND stock >= ?`, qty, now, bookID, qty)
	if err != nil {
		return out, fmt.Errorf("decrement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return out, err
	}
	if n == 0 {
		avail, err := currentStock(ctx, tx, bookID)
		if err != nil {
			return out, err
		}
		return out, ErrInsufficient{BookID: bookID, Need: qty, Avail: avail}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger(idempotency_key, book_id, quantity, state, created_unix, updated_unix)
		VALUES(?,?,?,?,?,?)`, key, bookID, qty, LedgerDecremented, now, now); err != nil {
		return out, fmt.Errorf("ledger insert: %w", err)
	}
	if out.Stock, err = currentStock(ctx, tx, bookID); err != nil {
		return out, err
	}
	return out, tx.Commit()
}

func (r *sqliteRepo) Restore(ctx context.Context, bookID int64, qty int32, key string) (StockChange, error) {
	out := StockChange{BookID: bookID, Quantity: qty, IdempotencyKey: key}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	stock, err := currentStock(ctx, tx, bookID)
	if err != nil {
		return out, err
	}
	prev, err := lookupKey(ctx, tx, key)
	if err != nil {
		return out, err
	}
	now := time.Now().Unix()

	switch {
	case prev == nil:
		// Nada se descontó con esta clave. Se deja anulada para que un
		// decremento tardío con la misma clave sea una repetición.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_ledger(idempotency_key, book_id, quantity, state, created_unix, updated_unix)
			VALUES(?,?,?,?,?,?)`, key, bookID, 0, LedgerVoided, now, now); err != nil {
			return out, fmt.Errorf("ledger void: %w", err)
		}
		out.Replayed = true
		out.Stock = stock
		return out, tx.Commit()
	case prev.bookID != bookID:
		return out, ErrKeyMismatch{Key: key}
	case prev.state != LedgerDecremented:
		out.Replayed = true
		out.Stock = stock
		return out, nil
	}

	// se devuelve lo que realmente se descontó
	out.Quantity = prev.qty
	if _, err := tx.ExecContext(ctx,
		`UPDATE books SET stock = stock + ?, updated_unix = ? WHERE id=?`, prev.qty, now, bookID); err != nil {
		return out, fmt.Errorf("restore: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stock_ledger SET state=?, updated_unix=? WHERE idempotency_key=?`, LedgerRestored, now, key); err != nil {
		return out, fmt.Errorf("ledger restore: %w", err)
	}
	out.Stock = stock + prev.qty
	return out, tx.Commit()
}

// Seed inserta algunos libros si la tabla está vacía (para pruebas locales)
func (r *sqliteRepo) Seed(ctx context.Context) error {
	var c int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM books`).Scan(&c); err != nil {
		return err
	}
	if c > 0 {
		return nil
	}

	books := []Book{
		{Title: "Cien años de soledad", Author: "Gabriel García Márquez", Description: "Cien años de soledad (1967)", PriceCents: 45000, Stock: 10},
		{Title: "Dune", Author: "Frank Herbert", Description: "Dune (1965)", PriceCents: 38000, Stock: 5},
		{Title: "Rayuela", Author: "Julio Cortázar", Description: "Rayuela (1963)", PriceCents: 32000, Stock: 0},
		{Title: "Ficciones", Author: "Jorge Luis Borges", Description: "Ficciones (1944)", PriceCents: 29000, Stock: 20},
		{Title: "La vorágine", Author: "José Eustasio Rivera", Description: "La vorágine (1924)", PriceCents: 25000, Stock: 1},
	}
	for i := range books {
		if _, err := r.Create(ctx, &books[i]); err != nil {
			return err
		}
	}
	return nil
}
