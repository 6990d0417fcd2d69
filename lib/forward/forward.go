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

// Package forward relays requests to registered upstream services with
// bounded retries and a per-upstream circuit breaker.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/breaker"
	"github.com/wiregate/wiregate/lib/defaults"
	"github.com/wiregate/wiregate/lib/utils"
)

// CodeBreakerOpen is the upstream error code reported when the breaker
// short-circuits a call.
const CodeBreakerOpen = "CIRCUIT_BREAKER_OPEN"

// Response is a completed upstream exchange.
type Response struct {
	// StatusCode is the upstream HTTP status
	StatusCode int
	// Header is the upstream response header
	Header http.Header
	// Body is the full upstream response body
	Body []byte
}

// Config holds forwarder parameters.
type Config struct {
	// Client performs the upstream calls
	Client *http.Client
	// Timeout bounds a single upstream attempt
	Timeout time.Duration
	// Attempts is the total number of tries for retryable failures
	Attempts int
	// RetryMin is the smallest backoff between attempts
	RetryMin time.Duration
	// RetryMax caps the backoff between attempts
	RetryMax time.Duration
	// BreakerThreshold trips the per-upstream breaker
	BreakerThreshold int
	// BreakerRecovery is how long a tripped breaker stays tripped
	BreakerRecovery time.Duration
	// Clock overrides time in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config values
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.ForwardTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = defaults.RetryAttempts
	}
	if c.RetryMin == 0 {
		c.RetryMin = defaults.RetryMinWait
	}
	if c.RetryMax == 0 {
		c.RetryMax = defaults.RetryMaxWait
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaults.BreakerFailureThreshold
	}
	if c.BreakerRecovery == 0 {
		c.BreakerRecovery = defaults.BreakerRecoveryTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Forwarder relays requests upstream. One breaker per upstream name;
// a tripped breaker for one upstream never affects another.
type Forwarder struct {
	Config
	log *log.Entry

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
}

// New creates a forwarder.
func New(cfg Config) (*Forwarder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Forwarder{
		Config: cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentForward,
		}),
		breakers: make(map[string]*breaker.CircuitBreaker),
	}, nil
}

func (f *Forwarder) breakerFor(upstream string) (*breaker.CircuitBreaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[upstream]; ok {
		return cb, nil
	}
	cb, err := breaker.New(breaker.Config{
		Name:            upstream,
		Threshold:       f.BreakerThreshold,
		RecoveryTimeout: f.BreakerRecovery,
		Clock:           f.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.breakers[upstream] = cb
	return cb, nil
}

// Forward relays one request to the named upstream. Timeouts, network
// errors, 5xx and 429 responses are retried with exponential backoff;
// other client errors return immediately without counting against the
// breaker.
func (f *Forwarder) Forward(ctx context.Context, upstream, method, url string, body []byte, header http.Header) (*Response, error) {
	cb, err := f.breakerFor(upstream)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out *Response
	err = cb.Execute(func() error {
		resp, err := f.attemptWithRetries(ctx, method, url, body, header)
		if err != nil {
			return trace.Wrap(err)
		}
		out = resp
		return nil
	})
	if err != nil {
		if trace.Unwrap(err) == breaker.ErrStateTripped {
			return nil, wiregate.NewUpstreamError(CodeBreakerOpen,
				"upstream %q is unavailable, breaker is tripped", upstream)
		}
		return nil, trace.Wrap(err)
	}
	// non-retryable upstream statuses surface after the breaker so
	// they do not count as upstream failures
	if out.StatusCode >= http.StatusBadRequest {
		return nil, wiregate.NewUpstreamError(fmt.Sprintf("HTTP_%d", out.StatusCode),
			"upstream %q replied %v", upstream, out.StatusCode)
	}
	return out, nil
}

func (f *Forwarder) attemptWithRetries(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Multiplier: defaults.RetryMultiplier,
		Min:        f.RetryMin,
		Max:        f.RetryMax,
		Clock:      f.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var lastErr error
	for attempt := 0; attempt < f.Attempts; attempt++ {
		select {
		case <-retry.After():
			retry.Inc()
		case <-ctx.Done():
			return nil, trace.ConnectionProblem(ctx.Err(), "forward canceled")
		}
		resp, err := f.attempt(ctx, method, url, body, header)
		if err != nil {
			lastErr = err
			f.log.WithError(err).Debugf("Attempt %v to %v failed.", attempt+1, url)
			continue
		}
		if isRetryableStatus(resp.StatusCode) {
			lastErr = trace.ConnectionProblem(nil, "upstream replied %v", resp.StatusCode)
			f.log.Debugf("Attempt %v to %v got retryable status %v.", attempt+1, url, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, trace.Wrap(lastErr)
}

func (f *Forwarder) attempt(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, trace.BadParameter("invalid upstream request: %v", err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "upstream call failed")
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading upstream response failed")
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// isRetryableStatus reports whether a status is worth another attempt.
func isRetryableStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
