/*
Copyright 2024 Wiregate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package forward

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate"
)

func newTestForwarder(t *testing.T, threshold int) *Forwarder {
	f, err := New(Config{
		Attempts:         3,
		RetryMin:         time.Millisecond,
		RetryMax:         5 * time.Millisecond,
		BreakerThreshold: threshold,
		BreakerRecovery:  time.Minute,
	})
	require.NoError(t, err)
	return f
}

func TestForwardSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, `{"ping":true}`, string(body))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"pong":true}`))
	}))
	defer srv.Close()

	f := newTestForwarder(t, 5)
	resp, err := f.Forward(context.Background(), "test", http.MethodPost, srv.URL,
		[]byte(`{"ping":true}`), http.Header{"Content-Type": []string{"application/json"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"pong":true}`, string(resp.Body))
}

func TestForwardRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestForwarder(t, 5)
	resp, err := f.Forward(context.Background(), "test", http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestForwardDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestForwarder(t, 5)
	_, err := f.Forward(context.Background(), "test", http.MethodGet, srv.URL, nil, nil)
	upstreamErr, ok := wiregate.IsUpstreamError(err)
	require.True(t, ok)
	require.Equal(t, "HTTP_404", upstreamErr.Code)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestForwardOpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, err := New(Config{
		Attempts:         1,
		RetryMin:         time.Millisecond,
		RetryMax:         5 * time.Millisecond,
		BreakerThreshold: 2,
		BreakerRecovery:  time.Minute,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.Forward(ctx, "flaky", http.MethodGet, srv.URL, nil, nil)
		require.Error(t, err)
	}

	// the breaker now fails fast without touching the upstream
	_, err = f.Forward(ctx, "flaky", http.MethodGet, srv.URL, nil, nil)
	upstreamErr, ok := wiregate.IsUpstreamError(err)
	require.True(t, ok)
	require.Equal(t, CodeBreakerOpen, upstreamErr.Code)

	// other upstreams keep their own breaker
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer okSrv.Close()
	resp, err := f.Forward(ctx, "healthy", http.MethodGet, okSrv.URL, nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
