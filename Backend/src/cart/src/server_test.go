package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticIdentities resolves a fixed token table.
type staticIdentities map[string]int64

func (s staticIdentities) Resolve(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	id, ok := s[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return &Identity{ID: id, Email: token + "@example.com"}, nil
}

type testAPI struct {
	t       *testing.T
	srv     *httptest.Server
	catalog *fakeCatalog
}

func newTestAPI(t *testing.T, limiter *userRateLimiter) *testAPI {
	t.Helper()
	catalog := newFakeCatalog(
		Book{ID: 1, Price: 200, Stock: 10, Description: "Dune"},
		Book{ID: 2, Price: 100, Stock: 2, Description: "Emma"},
	)
	svc, _, _ := newTestService(t, catalog)
	ids := staticIdentities{"alice": 1, "bob": 2}
	srv := httptest.NewServer(NewServer(svc, ids, limiter, zerolog.Nop(), []string{"*"}).Routes())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, catalog: catalog}
}

type apiResponse struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *testAPI) do(method, path, token, body string) (int, apiResponse) {
	a.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(a.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServer_Healthz(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body.Status)
}

func TestServer_AuthGate(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(http.MethodGet, "/cart", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, string(CodeUnauthenticated), body.Code)

	status, body = api.do(http.MethodGet, "/cart", "mallory", "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(CodeInvalidToken), body.Code)
}

func TestServer_RawTokenAccepted(t *testing.T) {
	api := newTestAPI(t, nil)

	req, err := http.NewRequest(http.MethodGet, api.srv.URL+"/cart/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "alice")
	resp, err := api.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_CartFlow(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(http.MethodPost, "/cart/items/", "alice", `{"book_id":1,"quantity":2}`)
	require.Equal(t, http.StatusCreated, status)
	var totals CartTotals
	require.NoError(t, json.Unmarshal(body.Data, &totals))
	assert.Equal(t, int64(400), totals.TotalPrice)
	assert.Equal(t, int64(2), totals.TotalQuantity)

	status, body = api.do(http.MethodPost, "/cart/items", "alice", `{"book_id":1,"quantity":3}`)
	require.Equal(t, http.StatusCreated, status)
	require.NoError(t, json.Unmarshal(body.Data, &totals))
	assert.Equal(t, int64(600), totals.TotalPrice)

	status, body = api.do(http.MethodGet, "/cart", "alice", "")
	require.Equal(t, http.StatusOK, status)
	var cart Cart
	require.NoError(t, json.Unmarshal(body.Data, &cart))
	require.Len(t, cart.Items, 1)
	assert.Equal(t, int32(3), cart.Items[0].Quantity)

	// bob no ve el carrito de alice
	status, body = api.do(http.MethodGet, "/cart", "bob", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(CodeCartNotFound), body.Code)

	status, _ = api.do(http.MethodPatch, "/cart/place-order/", "alice", "")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int32(7), api.catalog.stock(1))

	status, body = api.do(http.MethodGet, "/cart/order-details", "alice", "")
	require.Equal(t, http.StatusOK, status)
	var details OrderDetails
	require.NoError(t, json.Unmarshal(body.Data, &details))
	assert.Equal(t, int64(600), details.TotalAmount)
	assert.Equal(t, "Completed", details.OrderStatus)
	require.Len(t, details.OrderedItems, 1)
	assert.Equal(t, "Dune", details.OrderedItems[0].BookTitle)

	status, body = api.do(http.MethodGet, "/cart/orders", "alice", "")
	require.Equal(t, http.StatusOK, status)
	var orders []OrderSummary
	require.NoError(t, json.Unmarshal(body.Data, &orders))
	assert.Len(t, orders, 1)

	status, body = api.do(http.MethodPatch, "/cart/place-order", "alice", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(CodeCartEmptyOrMissing), body.Code)
}

func TestServer_AddItemErrors(t *testing.T) {
	api := newTestAPI(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   Code
	}{
		{name: "zero quantity", body: `{"book_id":1,"quantity":0}`, status: 422, code: CodeInvalidQuantity},
		{name: "missing quantity", body: `{"book_id":1}`, status: 422, code: CodeInvalidQuantity},
		{name: "fractional quantity", body: `{"book_id":1,"quantity":1.5}`, status: 422, code: CodeInvalidQuantity},
		{name: "missing book", body: `{"quantity":1}`, status: 400, code: CodeInvalidRequest},
		{name: "malformed json", body: `{`, status: 400, code: CodeInvalidRequest},
		{name: "unknown book", body: `{"book_id":99,"quantity":1}`, status: 400, code: CodeBookNotFound},
		{name: "above stock", body: `{"book_id":2,"quantity":3}`, status: 406, code: CodeInsufficientStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(http.MethodPost, "/cart/items", "alice", tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, "error", body.Status)
			assert.Equal(t, string(tt.code), body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestServer_RemoveItem(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(http.MethodDelete, "/cart/items?book_id=abc", "alice", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(CodeInvalidRequest), body.Code)

	status, body = api.do(http.MethodDelete, "/cart/items?book_id=1", "alice", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(CodeCartNotFound), body.Code)

	status, _ = api.do(http.MethodPost, "/cart/items", "alice", `{"book_id":1,"quantity":1}`)
	require.Equal(t, http.StatusCreated, status)

	status, body = api.do(http.MethodDelete, "/cart/items?book_id=2", "alice", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(CodeItemNotFound), body.Code)

	status, body = api.do(http.MethodDelete, "/cart/items/?book_id=1", "alice", "")
	require.Equal(t, http.StatusOK, status)
	var totals CartTotals
	require.NoError(t, json.Unmarshal(body.Data, &totals))
	assert.Zero(t, totals.TotalPrice)
}

func TestServer_DeleteCartAndOrderDetailsMissing(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(http.MethodDelete, "/all-cart-delete/", "alice", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(CodeCartNotFound), body.Code)

	status, body = api.do(http.MethodGet, "/cart/order-details", "alice", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(CodeNoOrderFound), body.Code)

	status, _ = api.do(http.MethodPost, "/cart/items", "alice", `{"book_id":1,"quantity":1}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = api.do(http.MethodDelete, "/all-cart-delete", "alice", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_UpstreamFailureIsNotLeaked(t *testing.T) {
	api := newTestAPI(t, nil)
	api.catalog.fetchErr[1] = ErrUpstreamUnavailable.withCause(io.ErrUnexpectedEOF)

	status, body := api.do(http.MethodPost, "/cart/items", "alice", `{"book_id":1,"quantity":1}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, string(CodeUpstreamUnavailable), body.Code)
	assert.NotContains(t, body.Message, "unexpected EOF")
}

func TestServer_RateLimited(t *testing.T) {
	api := newTestAPI(t, newUserRateLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		status, _ := api.do(http.MethodGet, "/cart/orders", "alice", "")
		assert.Equal(t, http.StatusOK, status)
	}
	status, body := api.do(http.MethodGet, "/cart/orders", "alice", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, string(CodeRateLimited), body.Code)

	// cada usuario tiene su propio bucket
	status, _ = api.do(http.MethodGet, "/cart/orders", "bob", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_StoreFailureIsInternal(t *testing.T) {
	db := newTestDB(t)
	svc := NewCartService(NewSQLiteRepo(db), newFakeCatalog(), &recordingPublisher{}, zerolog.Nop(), 1)
	srv := httptest.NewServer(NewServer(svc, staticIdentities{"alice": 1}, nil, zerolog.Nop(), []string{"*"}).Routes())
	t.Cleanup(srv.Close)
	api := &testAPI{t: t, srv: srv}

	require.NoError(t, db.Close())

	status, body := api.do(http.MethodGet, "/cart", "alice", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, string(CodeInternal), body.Code)
	assert.Equal(t, "unexpected error occurred", body.Message)
}
