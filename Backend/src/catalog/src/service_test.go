package main

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func TestService_ReplayPublishesOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	events := &recordingEvents{}
	svc := NewService(repo, events, zerolog.Nop())
	id := createBook(t, repo, 200, 5)

	for i := 0; i < 3; i++ {
		_, err := svc.DecrementStock(ctx, id, 1, "k1")
		require.NoError(t, err)
	}
	require.Len(t, events.events, 1)

	var ch StockChange
	require.NoError(t, json.Unmarshal(events.events[0].body, &ch))
	assert.Equal(t, id, ch.BookID)
	assert.Equal(t, int32(4), ch.Stock)
	assert.Equal(t, "k1", ch.IdempotencyKey)
}

func TestService_NilEventsIsAllowed(t *testing.T) {
	repo := newTestRepo(t)
	var rabbit *Rabbit
	svc := NewService(repo, rabbit, zerolog.Nop())
	id := createBook(t, repo, 200, 5)

	_, err := svc.DecrementStock(context.Background(), id, 1, "k1")
	assert.NoError(t, err)
}

func TestService_Reconcile(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc := NewService(repo, &recordingEvents{}, zerolog.Nop())
	a := createBook(t, repo, 200, 10)
	b := createBook(t, repo, 100, 10)

	_, err := svc.DecrementStock(ctx, a, 3, "order-1-x-book-a")
	require.NoError(t, err)
	_, err = svc.DecrementStock(ctx, b, 2, "order-1-x-book-b")
	require.NoError(t, err)

	req := ReconcileRequest{
		OrderID: 1,
		Unresolved: []ReconcileItem{
			{BookID: a, Quantity: 3, IdempotencyKey: "order-1-x-book-a"},
			{BookID: b, Quantity: 2, IdempotencyKey: "order-1-x-book-b"},
			{BookID: b, Quantity: 2},
		},
	}
	require.NoError(t, svc.Reconcile(ctx, req))
	// una entrega repetida no devuelve stock dos veces
	require.NoError(t, svc.Reconcile(ctx, req))

	ba, err := repo.Get(ctx, a)
	require.NoError(t, err)
	bb, err := repo.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int32(10), ba.Stock)
	assert.Equal(t, int32(10), bb.Stock)
}

func TestService_ReconcileUnknownBookFails(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo, nil, zerolog.Nop())

	err := svc.Reconcile(context.Background(), ReconcileRequest{
		OrderID:    1,
		Unresolved: []ReconcileItem{{BookID: 999, Quantity: 1, IdempotencyKey: "k"}},
	})
	assert.ErrorAs(t, err, &ErrBookNotFound{})
}
