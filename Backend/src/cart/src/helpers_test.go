package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := openSQLite(filepath.Join(t.TempDir(), "cart.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrate(context.Background(), db))
	return db
}

func newTestRepo(t *testing.T) CartRepository {
	t.Helper()
	return NewSQLiteRepo(newTestDB(t))
}

// fakeCatalog is an in-memory BookCatalog with per-book failure injection.
// Like the catalog's ledger, a restore only gives back a key that was
// decremented, and a restored or voided key is never decremented again.
type fakeCatalog struct {
	mu         sync.Mutex
	books      map[int64]*Book
	fetchErr   map[int64]error
	decErr     map[int64]error
	restoreErr map[int64]error
	// lostAck aplica el decremento y aun así devuelve el error
	lostAck     map[int64]error
	onDecrement func()

	ledger map[string]int32
	closed map[string]bool

	fetches    int
	decrements []string
	restores   []string
}

func newFakeCatalog(books ...Book) *fakeCatalog {
	f := &fakeCatalog{
		books:      make(map[int64]*Book),
		fetchErr:   make(map[int64]error),
		decErr:     make(map[int64]error),
		restoreErr: make(map[int64]error),
		lostAck:    make(map[int64]error),
		ledger:     make(map[string]int32),
		closed:     make(map[string]bool),
	}
	for _, b := range books {
		b := b
		f.books[b.ID] = &b
	}
	return f
}

func (f *fakeCatalog) FetchBook(_ context.Context, bookID int64) (*Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.fetchErr[bookID]; err != nil {
		return nil, err
	}
	b, ok := f.books[bookID]
	if !ok {
		return nil, newError(CodeBookNotFound, "book with ID %d not found", bookID)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeCatalog) DecrementStock(ctx context.Context, bookID int64, qty int32, key string) error {
	if f.onDecrement != nil {
		f.onDecrement()
	}
	if err := ctx.Err(); err != nil {
		return ErrUpstreamUnavailable.withCause(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.decErr[bookID]; err != nil {
		return err
	}
	b, ok := f.books[bookID]
	if !ok {
		return ErrBookNotFound
	}
	if _, seen := f.ledger[key]; seen || f.closed[key] {
		return f.lostAck[bookID]
	}
	if b.Stock < qty {
		return ErrInsufficientStock
	}
	b.Stock -= qty
	f.ledger[key] = qty
	f.decrements = append(f.decrements, key)
	return f.lostAck[bookID]
}

func (f *fakeCatalog) RestoreStock(_ context.Context, bookID int64, _ int32, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.restoreErr[bookID]; err != nil {
		return err
	}
	f.restores = append(f.restores, key)
	if applied, ok := f.ledger[key]; ok {
		f.books[bookID].Stock += applied
		delete(f.ledger, key)
	}
	f.closed[key] = true
	return nil
}

func (f *fakeCatalog) restoredKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restores...)
}

func (f *fakeCatalog) stock(bookID int64) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.books[bookID].Stock
}

func (f *fakeCatalog) setStock(bookID int64, stock int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[bookID].Stock = stock
}

func (f *fakeCatalog) calls() (fetches, decrements, restores int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, len(f.decrements), len(f.restores)
}

// recordingPublisher keeps every published routing key.
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) PublishJSON(_ context.Context, rk string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, rk)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func newTestService(t *testing.T, catalog BookCatalog) (*CartService, CartRepository, *recordingPublisher) {
	t.Helper()
	repo := newTestRepo(t)
	pub := &recordingPublisher{}
	return NewCartService(repo, catalog, pub, zerolog.Nop(), 4), repo, pub
}
