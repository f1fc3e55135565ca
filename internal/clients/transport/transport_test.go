package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

func TestDefaultStatusClass(t *testing.T) {
	assert.Equal(t, syncerr.Transient, DefaultStatusClass(http.StatusServiceUnavailable))
	assert.Equal(t, syncerr.Transient, DefaultStatusClass(http.StatusTooManyRequests))
	assert.Equal(t, syncerr.NotFound, DefaultStatusClass(http.StatusNotFound))
	assert.Equal(t, syncerr.Permanent, DefaultStatusClass(http.StatusBadRequest))
}

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MinRequestInterval = 0
	c := New("test", cfg)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	body, status, err := c.Do(context.Background(), "pm", "Get", req, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MinRequestInterval = 0
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxRetryAttempts = 5
	c := New("test", cfg)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, status, err := c.Do(context.Background(), "pm", "Get", req, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestDoFailsFastOnPermanentError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MinRequestInterval = 0
	cfg.BaseBackoff = time.Millisecond
	c := New("test", cfg)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, _, err = c.Do(context.Background(), "pm", "Get", req, nil)
	require.Error(t, err)
	se, ok := syncerr.As(err)
	require.True(t, ok)
	assert.Equal(t, syncerr.NotFound, se.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "permanent errors must not retry")
}
