// Package llm provides OpenAI-compatible embedding and chat clients with
// retry, a circuit breaker, and an embedding cache. All upstream failures
// come back as kinded errors so callers never inspect HTTP codes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/gasable/hub/pkg/models"
)

// Client is the shared HTTP transport for the OpenAI-compatible API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client for an OpenAI-compatible endpoint. baseURL is
// the API root (".../v1").
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "llm",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("⚡ circuit state changed")
			},
		}),
	}
}

// Configured reports whether an API key is present. Unconfigured clients
// fail fast so deterministic fallbacks kick in immediately.
func (c *Client) Configured() bool { return c.apiKey != "" }

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.body)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// postJSON posts body to path and decodes the response into out, retrying
// 429s and 5xx with jittered exponential backoff. Client errors are
// permanent.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	if !c.Configured() {
		return models.E(models.KindUpstreamUnavailable, "llm client not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	attempt := func() error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doOnce(ctx, path, payload, out)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(models.Wrap(models.KindUpstreamUnavailable, "llm circuit open", err))
		}
		var se *httpStatusError
		if errors.As(err, &se) && !retryable(se.status) {
			return backoff.Permanent(models.Wrap(models.KindUpstreamUnavailable, "llm request rejected", err))
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second
	err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.Wrap(models.KindUpstreamTimeout, "llm request timed out", err)
	}
	if models.KindOf(err) != models.KindInternal {
		return err
	}
	return models.Wrap(models.KindUpstreamUnavailable, "llm request failed", err)
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return &httpStatusError{status: resp.StatusCode, body: msg}
	}
	return json.Unmarshal(raw, out)
}
