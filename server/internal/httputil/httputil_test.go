package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendHTTPRequestWithRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	resp, err := SendHTTPRequestWithRetry(
		context.Background(),
		srv.Client(),
		*u,
		http.MethodPost,
		[]byte(`{}`),
		RetryOnUnavailable,
		RetryOptions{RequestTimeout: time.Second, RetryInterval: time.Millisecond, RetryCount: 5},
	)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendHTTPRequestWithRetry_Exceeded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	_, err = SendHTTPRequestWithRetry(
		context.Background(),
		srv.Client(),
		*u,
		http.MethodGet,
		nil,
		RetryOnUnavailable,
		RetryOptions{RequestTimeout: time.Second, RetryInterval: time.Millisecond, RetryCount: 2},
	)
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendHTTPRequestWithRetry_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	resp, err := SendHTTPRequestWithRetry(
		context.Background(),
		srv.Client(),
		*u,
		http.MethodGet,
		nil,
		RetryOnUnavailable,
		RetryOptions{RequestTimeout: time.Second, RetryInterval: time.Millisecond, RetryCount: 5},
	)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendHTTPRequestWithRetry_ContextCanceled(t *testing.T) {
	u, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = SendHTTPRequestWithRetry(
		ctx,
		http.DefaultClient,
		*u,
		http.MethodGet,
		nil,
		RetryOnUnavailable,
		RetryOptions{RetryInterval: time.Hour, RetryCount: -1},
	)
	assert.ErrorIs(t, err, context.Canceled)
}
