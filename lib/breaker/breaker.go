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

// Package breaker implements a per-upstream circuit breaker.
package breaker

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/defaults"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// StateStandby indicates the breaker is passing all requests and
	// watching for failures
	StateStandby State = iota
	// StateTripped indicates too many failures occurred and requests
	// are failing fast
	StateTripped
	// StateRecovering indicates the breaker is allowing a probe
	// through to test the upstream
	StateRecovering
)

// String returns the textual representation of the state.
func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateTripped:
		return "tripped"
	case StateRecovering:
		return "recovering"
	}
	return "undefined"
}

// ErrStateTripped is returned when the breaker fails a request fast
// without attempting the upstream.
var ErrStateTripped = &trace.ConnectionProblemError{Message: "breaker is tripped"}

// Config holds circuit breaker parameters.
type Config struct {
	// Name labels the breaker in logs, usually the upstream name
	Name string
	// Threshold trips the breaker after this many consecutive failures
	Threshold int
	// RecoveryTimeout is how long the breaker stays tripped before
	// allowing a probe
	RecoveryTimeout time.Duration
	// Clock overrides time in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config values
func (c *Config) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if c.Threshold <= 0 {
		c.Threshold = defaults.BreakerFailureThreshold
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = defaults.BreakerRecoveryTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CircuitBreaker fails fast once an upstream shows a run of
// consecutive failures, then probes it after a recovery window.
type CircuitBreaker struct {
	cfg Config
	log *log.Entry

	mu          sync.Mutex
	state       State
	failures    int
	expiry      time.Time
	probeActive bool
}

// New creates a circuit breaker in standby.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentForward,
			"breaker":             cfg.Name,
		}),
		state: StateStandby,
	}, nil
}

// State returns the current breaker state.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn unless the breaker is tripped. Exactly one probe is
// allowed through while recovering; concurrent callers fail fast.
func (c *CircuitBreaker) Execute(fn func() error) error {
	probing, err := c.beforeRequest()
	if err != nil {
		return trace.Wrap(err)
	}
	err = fn()
	c.afterRequest(probing, err == nil)
	return err
}

func (c *CircuitBreaker) beforeRequest() (probing bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStandby:
		return false, nil
	case StateTripped:
		if c.cfg.Clock.Now().Before(c.expiry) {
			return false, trace.Wrap(ErrStateTripped)
		}
		c.setState(StateRecovering)
		c.probeActive = true
		return true, nil
	case StateRecovering:
		if c.probeActive {
			return false, trace.Wrap(ErrStateTripped)
		}
		c.probeActive = true
		return true, nil
	}
	return false, nil
}

func (c *CircuitBreaker) afterRequest(probing, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if probing {
		c.probeActive = false
		if success {
			c.failures = 0
			c.setState(StateStandby)
		} else {
			c.trip()
		}
		return
	}
	if success {
		c.failures = 0
		return
	}
	c.failures++
	if c.state == StateStandby && c.failures >= c.cfg.Threshold {
		c.trip()
	}
}

// trip moves to tripped and arms the recovery window. Callers must
// hold the mutex.
func (c *CircuitBreaker) trip() {
	c.expiry = c.cfg.Clock.Now().Add(c.cfg.RecoveryTimeout)
	c.setState(StateTripped)
}

// setState transitions and logs. Callers must hold the mutex.
func (c *CircuitBreaker) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Infof("Breaker state transition %v -> %v.", c.state, s)
	c.state = s
}
