package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// BookCatalog is the slice of the catalog service the cart workflow needs.
type BookCatalog interface {
	FetchBook(ctx context.Context, bookID int64) (*Book, error)
	DecrementStock(ctx context.Context, bookID int64, qty int32, idempotencyKey string) error
	RestoreStock(ctx context.Context, bookID int64, qty int32, idempotencyKey string) error
}

type BookClient struct {
	bookURL    string
	stockURL   string
	restockURL string
	http       *http.Client
	retries    int
}

func NewBookClient(cfg Config) *BookClient {
	return &BookClient{
		bookURL:    cfg.BookEndpoint,
		stockURL:   cfg.BookStockEndpoint,
		restockURL: cfg.BookRestockEndpoint,
		http:       &http.Client{Timeout: cfg.UpstreamTimeout},
		retries:    cfg.UpstreamRetries,
	}
}

type bookEnvelope struct {
	Data *struct {
		Price       *int64 `json:"price"`
		Stock       *int32 `json:"stock"`
		Description string `json:"description"`
		Name        string `json:"name"`
	} `json:"data"`
}

type stockChange struct {
	Quantity       int32  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

// forwardAuth copies the caller's Authorization header, the catalog trusts
// the same bearer token the cart service was called with.
func forwardAuth(ctx context.Context, req *http.Request) {
	if h := authHeaderFrom(ctx); h != "" {
		req.Header.Set("Authorization", h)
	}
}

func (c *BookClient) FetchBook(ctx context.Context, bookID int64) (*Book, error) {
	resp, err := doWithRetry(ctx, c.http, c.retries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointForID(c.bookURL, bookID), nil)
		if err != nil {
			return nil, err
		}
		forwardAuth(ctx, req)
		return req, nil
	})
	if err != nil {
		return nil, ErrUpstreamUnavailable.withCause(fmt.Errorf("fetch book %d: %w", bookID, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case retryableStatus(resp.StatusCode):
		return nil, ErrUpstreamUnavailable.withCause(fmt.Errorf("fetch book %d: %s", bookID, resp.Status))
	default:
		return nil, newError(CodeBookNotFound, "book with ID %d not found", bookID)
	}

	var env bookEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, ErrBookDataMalformed.withCause(fmt.Errorf("book %d body: %w", bookID, err))
	}
	if env.Data == nil || env.Data.Price == nil {
		return nil, newError(CodeBookDataMalformed, "price not available for book %d", bookID)
	}

	b := &Book{ID: bookID, Price: *env.Data.Price, Description: env.Data.Description}
	if env.Data.Stock != nil {
		b.Stock = *env.Data.Stock
	}
	if b.Description == "" {
		b.Description = env.Data.Name
	}
	return b, nil
}

func (c *BookClient) DecrementStock(ctx context.Context, bookID int64, qty int32, idempotencyKey string) error {
	return c.changeStock(ctx, c.stockURL, bookID, qty, idempotencyKey)
}

func (c *BookClient) RestoreStock(ctx context.Context, bookID int64, qty int32, idempotencyKey string) error {
	if c.restockURL == "" {
		return newError(CodeUpstreamUnavailable, "restock endpoint not configured")
	}
	return c.changeStock(ctx, c.restockURL, bookID, qty, idempotencyKey)
}

func (c *BookClient) changeStock(ctx context.Context, base string, bookID int64, qty int32, key string) error {
	body, err := json.Marshal(stockChange{Quantity: qty, IdempotencyKey: key})
	if err != nil {
		return err
	}
	resp, err := doWithRetry(ctx, c.http, c.retries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpointForID(base, bookID), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		forwardAuth(ctx, req)
		return req, nil
	})
	if err != nil {
		return ErrUpstreamUnavailable.withCause(fmt.Errorf("stock change book %d: %w", bookID, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotAcceptable:
		return newError(CodeInsufficientStock, "insufficient stock for book ID %d", bookID)
	case resp.StatusCode == http.StatusNotFound:
		return newError(CodeBookNotFound, "book with ID %d not found", bookID)
	default:
		return ErrUpstreamUnavailable.withCause(fmt.Errorf("stock change book %d: %s", bookID, resp.Status))
	}
}
