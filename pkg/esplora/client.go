/**
 * @description
 * This package provides a client for Esplora-compatible block explorer APIs
 * (blockstream.info, mempool.space). It answers the questions the relay engine asks
 * about the chain: balances, UTXOs, confirmations, address history and tip height.
 * It also broadcasts raw transactions and reads recommended fee rates.
 *
 * @notes
 * - Every failure is an *Error classified as transient (worth retrying later) or
 *   permanent (the node rejected the request).
 * - Idempotent reads are retried with exponential backoff inside one call. Broadcast
 *   is never retried here; the caller owns that decision.
 *
 * @dependencies
 * - github.com/go-resty/resty/v2: HTTP client.
 * - golang.org/x/time/rate: client-side request pacing for public APIs.
 * - github.com/cenkalti/backoff/v4: retry schedule for reads.
 */
package esplora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ErrorKind classifies oracle failures for retry decisions.
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

// ErrTxNotFound is returned when the explorer has never seen a transaction.
var ErrTxNotFound = errors.New("transaction not found")

// Error is returned by every Client method that fails.
type Error struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("esplora %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("esplora %s (%s): status %d: %s", e.Op, e.Kind, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is an oracle failure worth retrying.
func IsTransient(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == Transient
}

// IsPermanent reports whether err is an explicit rejection.
func IsPermanent(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == Permanent
}

// Options tunes pacing and retries.
type Options struct {
	FeeAPIBase        string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        uint64
	InitialBackoff    time.Duration
}

// Client talks to one network's explorer.
type Client struct {
	http           *resty.Client
	feeHTTP        *resty.Client
	limiter        *rate.Limiter
	maxRetries     uint64
	initialBackoff time.Duration
}

// NewClient creates a client for the explorer API rooted at baseURL.
func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	c := &Client{
		http:           resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/")).SetTimeout(opts.Timeout),
		limiter:        rate.NewLimiter(limit, burst),
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
	}
	if feeBase := strings.TrimSuffix(opts.FeeAPIBase, "/"); feeBase != "" {
		c.feeHTTP = resty.New().SetBaseURL(feeBase).SetTimeout(opts.Timeout)
	}
	return c
}

// get performs an idempotent GET, retrying transient failures, and decodes JSON into out
// (or returns the raw body when out is nil).
func (c *Client) get(ctx context.Context, httpc *resty.Client, op, path string, out interface{}) ([]byte, error) {
	var body []byte
	attempt := func() error {
		resp, err := c.do(ctx, httpc.R().SetContext(ctx), http.MethodGet, path)
		if err != nil {
			return c.classify(op, err)
		}
		if resp.IsError() {
			oe := statusError(op, resp)
			if oe.Kind == Permanent {
				return backoff.Permanent(oe)
			}
			return oe
		}
		body = resp.Body()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, oe
		}
		return nil, c.classify(op, err)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, &Error{Op: op, Kind: Transient, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return req.Execute(method, path)
}

func (c *Client) classify(op string, err error) *Error {
	log.Printf("level=warn component=esplora_client op=%s msg=\"request failed\" err=%v", op, err)
	return &Error{Op: op, Kind: Transient, Err: err}
}

func statusError(op string, resp *resty.Response) *Error {
	msg := strings.TrimSpace(resp.String())
	if len(msg) > 500 {
		msg = msg[:500]
	}
	kind := Permanent
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		kind = Transient
	}
	log.Printf("level=warn component=esplora_client op=%s status=%d kind=%s body=%q", op, resp.StatusCode(), kind, msg)
	return &Error{Op: op, Kind: kind, StatusCode: resp.StatusCode(), Message: msg}
}
