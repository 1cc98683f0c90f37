package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IdentityResolver turns an opaque bearer token into the user behind it.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

type IdentityClient struct {
	endpoint string
	http     *http.Client
	retries  int
	cache    *expirable.LRU[string, Identity] // nil si ttl == 0
}

func NewIdentityClient(endpoint string, timeout time.Duration, retries int, cacheSize int, cacheTTL time.Duration) *IdentityClient {
	c := &IdentityClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		retries:  retries,
	}
	if cacheTTL > 0 && cacheSize > 0 {
		c.cache = expirable.NewLRU[string, Identity](cacheSize, nil, cacheTTL)
	}
	return c
}

type identityEnvelope struct {
	Data *Identity `json:"data"`
}

func (c *IdentityClient) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if c.cache != nil {
		if id, ok := c.cache.Get(token); ok {
			return &id, nil
		}
	}

	resp, err := doWithRetry(ctx, c.http, c.retries, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpointFor(c.endpoint, token), nil)
	})
	if err != nil {
		return nil, ErrUpstreamUnavailable.withCause(fmt.Errorf("identity: %w", err))
	}
	defer resp.Body.Close()

	// cualquier respuesta no-2xx es un rechazo del token
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ErrInvalidToken.withCause(fmt.Errorf("identity: %s", resp.Status))
	}

	var env identityEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, ErrInvalidToken.withCause(fmt.Errorf("identity body: %w", err))
	}
	if env.Data == nil || env.Data.ID == 0 {
		return nil, newError(CodeInvalidToken, "user data missing in response")
	}

	if c.cache != nil {
		c.cache.Add(token, *env.Data)
	}
	return env.Data, nil
}
