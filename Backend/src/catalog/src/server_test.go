package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	key  string
	body []byte
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEvents) Publish(_ context.Context, key string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{key: key, body: body})
	return nil
}

func (r *recordingEvents) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.key)
	}
	return out
}

func newTestServer(t *testing.T) (*httptest.Server, Repository, *recordingEvents) {
	t.Helper()
	repo := newTestRepo(t)
	events := &recordingEvents{}
	svc := NewService(repo, events, zerolog.Nop())
	srv := httptest.NewServer(NewCatalogServer(svc, zerolog.Nop()).Routes())
	t.Cleanup(srv.Close)
	return srv, repo, events
}

func patch(t *testing.T, url, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPatch, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServer_GetBook(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	id := createBook(t, repo, 200, 10)

	resp, err := http.Get(srv.URL + "/books/" + itoa(id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data bookView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, id, body.Data.ID)
	assert.Equal(t, "Dune", body.Data.Name)
	assert.Equal(t, int64(200), body.Data.Price)
	assert.Equal(t, int32(10), body.Data.Stock)

	for _, path := range []string{"/books/999", "/books/abc", "/books/999/"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestServer_DecrementAndRestock(t *testing.T) {
	srv, repo, events := newTestServer(t)
	id := createBook(t, repo, 200, 5)
	base := srv.URL + "/books/" + itoa(id)

	status, body := patch(t, base+"/stock", `{"quantity":2,"idempotency_key":"k1"}`, nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(3), data["stock"])
	assert.Equal(t, false, data["replayed"])

	// misma clave por header: repetición sin efecto
	status, body = patch(t, base+"/stock", `{"quantity":2}`, map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusOK, status)
	data = body["data"].(map[string]any)
	assert.Equal(t, float64(3), data["stock"])
	assert.Equal(t, true, data["replayed"])

	status, body = patch(t, base+"/stock", `{"quantity":4,"idempotency_key":"k2"}`, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INSUFFICIENT_STOCK", body["code"])

	status, body = patch(t, base+"/restock", `{"quantity":2,"idempotency_key":"k1"}`, nil)
	require.Equal(t, http.StatusOK, status)
	data = body["data"].(map[string]any)
	assert.Equal(t, float64(5), data["stock"])

	status, _ = patch(t, base+"/restock", `{"quantity":2,"idempotency_key":"k1"}`, nil)
	assert.Equal(t, http.StatusOK, status)

	b, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(5), b.Stock)
	assert.Equal(t, []string{RKStockDecremented, RKStockRestored}, events.keys())
}

func TestServer_StockValidation(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	id := createBook(t, repo, 200, 5)
	base := srv.URL + "/books/" + itoa(id)

	tests := []struct {
		name   string
		url    string
		body   string
		status int
		code   string
	}{
		{name: "zero quantity", url: base + "/stock", body: `{"quantity":0,"idempotency_key":"a"}`, status: 422, code: "INVALID_QUANTITY"},
		{name: "negative quantity", url: base + "/stock", body: `{"quantity":-1,"idempotency_key":"a"}`, status: 422, code: "INVALID_QUANTITY"},
		{name: "bad json", url: base + "/stock", body: `{`, status: 422, code: "INVALID_QUANTITY"},
		{name: "missing key", url: base + "/stock", body: `{"quantity":1}`, status: 422, code: "INVALID_REQUEST"},
		{name: "unknown book", url: srv.URL + "/books/999/stock", body: `{"quantity":1,"idempotency_key":"a"}`, status: 404, code: "BOOK_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := patch(t, tt.url, tt.body, nil)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tt.code, body["code"])
		})
	}
}
