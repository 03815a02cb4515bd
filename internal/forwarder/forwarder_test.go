package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForwarder_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New(DefaultConfig(), nil)
	result := f.Forward(context.Background(), Request{Upstream: "svc", Method: "GET", URL: srv.URL})

	require.Empty(t, result.Error)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(result.Body))
}

func TestForwarder_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond

	f := New(cfg, nil)
	result := f.Forward(context.Background(), Request{Upstream: "flaky", Method: "GET", URL: srv.URL})

	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestForwarder_NonRetried4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(DefaultConfig(), nil)
	result := f.Forward(context.Background(), Request{Upstream: "svc", Method: "GET", URL: srv.URL})

	require.Equal(t, "HTTP_404", result.Error)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 4xx must not be retried")
}

func TestForwarder_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 2
	cfg.RecoveryTimeout = time.Hour

	f := New(cfg, nil)
	ctx := context.Background()
	req := Request{Upstream: "down", Method: "GET", URL: srv.URL}

	r1 := f.Forward(ctx, req)
	require.Equal(t, "HTTP_503", r1.Error)

	r2 := f.Forward(ctx, req)
	require.Equal(t, "HTTP_503", r2.Error)

	r3 := f.Forward(ctx, req)
	require.Equal(t, "CIRCUIT_BREAKER_OPEN", r3.Error)
}
