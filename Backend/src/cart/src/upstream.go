package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reintentos hacia los servicios de usuario y catálogo

const baseBackoff = 100 * time.Millisecond

// endpointFor builds the URL for one id: "{id}" is substituted when present,
// otherwise the id is appended (the collaborators are configured as prefixes).
func endpointFor(base string, id string) string {
	id = url.PathEscape(id)
	if strings.Contains(base, "{id}") {
		return strings.ReplaceAll(base, "{id}", id)
	}
	return base + id
}

func endpointForID(base string, id int64) string {
	return endpointFor(base, strconv.FormatInt(id, 10))
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// doWithRetry sends the request built by newReq, retrying transport errors
// and 5xx/429 answers with exponential backoff and jitter. The last
// response (possibly a retryable one) is returned to the caller, who owns
// its body.
func doWithRetry(ctx context.Context, client *http.Client, retries int, newReq func() (*http.Request, error)) (*http.Response, error) {
	var last *http.Response
	op := func() error {
		if last != nil {
			last.Body.Close()
			last = nil
		}
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		last = resp
		if retryableStatus(resp.StatusCode) {
			return errors.New(resp.Status)
		}
		return nil
	}

	err := backoff.Retry(op, newBackOff(ctx, retries))
	if last != nil && (err == nil || retryableStatus(last.StatusCode)) {
		return last, nil
	}
	return nil, err
}

func newBackOff(ctx context.Context, retries int) backoff.BackOff {
	if retries < 0 {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // el límite lo ponen los reintentos
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
