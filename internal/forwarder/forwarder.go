// Package forwarder is C10: the outbound HTTP call path every proxy route
// and WS proxy handler goes through, wrapping each upstream in its own
// circuit breaker and exponential-backoff retry, grounded on the
// sony/gobreaker + cenkalti/backoff adapter pattern used elsewhere in the
// retrieved corpus for service-to-service calls.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"gateway/internal/metrics"
)

// Config holds C10's tunables, named in spec.md §4.10.
type Config struct {
	MaxAttempts     int           // default 3
	InitialInterval time.Duration // default 1s
	MaxInterval     time.Duration // default 10s
	Multiplier      float64       // default 2.0 ("M")

	FailureThreshold int           // consecutive failures before open, default 5
	RecoveryTimeout  time.Duration // open->half-open, default 30s
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialInterval:  1 * time.Second,
		MaxInterval:      10 * time.Second,
		Multiplier:       2.0,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Result is the normalised outcome of a forwarded call.
type Result struct {
	StatusCode int
	Body       []byte
	Error      string // "CIRCUIT_BREAKER_OPEN" or "HTTP_<code>", empty on success
	Message    string
}

// Forwarder owns one circuit breaker per upstream name and forwards HTTP
// calls through it with retry.
type Forwarder struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Result]

	metrics *metrics.WebSocketMetrics
}

func New(cfg Config, m *metrics.WebSocketMetrics) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Result]),
		metrics:  m,
	}
}

func (f *Forwarder) breakerFor(upstream string) *gobreaker.CircuitBreaker[*Result] {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[upstream]; ok {
		return cb
	}

	threshold := uint32(f.cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	timeout := f.cfg.RecoveryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    upstream,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if f.metrics != nil {
				f.metrics.SetBreakerState(name, stateToGauge(to))
			}
		},
	}

	cb := gobreaker.NewCircuitBreaker[*Result](settings)
	f.breakers[upstream] = cb
	if f.metrics != nil {
		f.metrics.SetBreakerState(upstream, stateToGauge(cb.State()))
	}
	return cb
}

func stateToGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// Request describes one outbound forwarding call.
type Request struct {
	Upstream string // logical name, used for the breaker and metrics label
	Method   string
	URL      string
	Body     []byte
	Headers  map[string]string
}

// Forward executes req through the named upstream's breaker, retrying on
// timeout, network error, 5xx, or 429 up to MaxAttempts times. A failed
// call (network error or 5xx, even after retries are exhausted) counts
// against the breaker's consecutive-failure count; a 4xx does not.
func (f *Forwarder) Forward(ctx context.Context, req Request) *Result {
	cb := f.breakerFor(req.Upstream)

	result, err := cb.Execute(func() (*Result, error) {
		r, callErr := f.doWithRetry(ctx, req)
		if callErr != nil {
			return &Result{Error: "UPSTREAM_ERROR", Message: callErr.Error()}, callErr
		}
		if r.StatusCode >= 500 {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.recordOutcome(req.Upstream, "breaker_open")
			return &Result{Error: "CIRCUIT_BREAKER_OPEN", Message: "upstream temporarily unavailable"}
		}
		f.recordOutcome(req.Upstream, "error")
		if result != nil {
			return result
		}
		return &Result{Error: "UPSTREAM_ERROR", Message: err.Error()}
	}

	f.recordOutcome(req.Upstream, "success")
	return result
}

func (f *Forwarder) recordOutcome(upstream, outcome string) {
	if f.metrics != nil {
		f.metrics.UpstreamRequest(upstream, outcome)
	}
}

func (f *Forwarder) doWithRetry(ctx context.Context, req Request) (*Result, error) {
	maxAttempts := f.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	bo := backoff.NewExponentialBackOff()
	if f.cfg.InitialInterval > 0 {
		bo.InitialInterval = f.cfg.InitialInterval
	}
	if f.cfg.MaxInterval > 0 {
		bo.MaxInterval = f.cfg.MaxInterval
	}
	if f.cfg.Multiplier > 0 {
		bo.Multiplier = f.cfg.Multiplier
	}
	bo.MaxElapsedTime = 0

	withRetries := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx)

	var result *Result
	err := backoff.Retry(func() error {
		r, err := f.do(ctx, req)
		if err != nil {
			return err // network/timeout error: always retryable
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			result = r
			return fmt.Errorf("retryable upstream status %d", r.StatusCode)
		}
		result = r
		return nil
	}, withRetries)

	if err != nil && result == nil {
		return nil, err
	}

	if result != nil && (result.StatusCode >= 400 && result.StatusCode < 600) {
		result.Error = fmt.Sprintf("HTTP_%d", result.StatusCode)
	}

	return result, nil
}

func (f *Forwarder) do(ctx context.Context, req Request) (*Result, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Result{StatusCode: resp.StatusCode, Body: data}, nil
}

// DecodeJSON unmarshals a successful Result's body into v.
func DecodeJSON(r *Result, v interface{}) error {
	if r.Error != "" {
		return fmt.Errorf("%s: %s", r.Error, r.Message)
	}
	return json.Unmarshal(r.Body, v)
}
