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

package utils

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Jitter is a function which applies random jitter to a
// duration. Used to randomize backoff values. Must be
// safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n). This is
// a large range and most suitable for jittering things like backoff
// operations where breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// Retry is an interface that provides retry logic
type Retry interface {
	// Reset resets retry state
	Reset()
	// Inc increments retry attempt
	Inc()
	// Duration returns retry duration,
	// could be 0
	Duration() time.Duration
	// After returns time.Time channel
	// that fires after Duration delay,
	// could fire right away if Duration is 0
	After() <-chan time.Time
}

// ExponentialConfig sets up retry configuration
// using a geometric progression
type ExponentialConfig struct {
	// Multiplier scales the progression, defaults to 1
	Multiplier int64
	// Min is the first non-zero delay of the progression, can't be 0
	Min time.Duration
	// Max is a maximum value of the progression, can't be 0
	Max time.Duration
	// Jitter is an optional jitter function to be applied
	// to the delay. Note that supplying a jitter means that
	// successive calls to Duration may return different results.
	Jitter Jitter `json:"-"`
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Min == 0 {
		return trace.BadParameter("missing parameter Min")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}, nil
}

// Exponential is used to calculate retry periods
// that double on every attempt: on the first error there is
// no delay, afterwards the delay starts at Min and doubles
// until capped by Max.
type Exponential struct {
	// ExponentialConfig is an exponential retry config
	ExponentialConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets retry period to initial state
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Inc increments attempt counter
func (r *Exponential) Inc() {
	r.attempt++
}

// Duration returns retry duration based on state
func (r *Exponential) Duration() time.Duration {
	if r.attempt == 0 {
		return 0
	}
	a := time.Duration(r.Multiplier) * r.Min << (r.attempt - 1)
	if a < r.Min {
		a = r.Min
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns channel that fires with timeout
// defined in Duration method, as a special case
// if Duration is 0 returns a closed channel
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the retry state
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For retries the provided function until it succeeds, the context
// expires or a permanent error is returned.
func (r *Exponential) For(ctx context.Context, retryFn func() error) error {
	for {
		err := retryFn()
		if err == nil {
			return nil
		}
		if _, ok := trace.Unwrap(err).(*permanentRetryError); ok {
			return trace.Wrap(err)
		}
		log.Debugf("Will retry in %v: %v.", r.Duration(), err)
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("%s", ctx.Err().Error())
		}
	}
}

// PermanentRetryError returns a new instance of a permanent retry error.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

// permanentRetryError indicates that retry loop should stop.
type permanentRetryError struct {
	err error
}

// Error returns the original error message.
func (e *permanentRetryError) Error() string {
	return e.err.Error()
}
