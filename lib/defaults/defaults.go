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

// Package defaults contains default constants set in various parts of
// the wiregate codebase
package defaults

import "time"

// Network defaults.
const (
	// HTTPListenPort is the port the gateway binds to
	HTTPListenPort = 8000

	// HTTPListenHost is the default bind host
	HTTPListenHost = "localhost"

	// KVURL is the default address of the key-value store
	KVURL = "redis://localhost:6379"

	// KVMaxConnections caps the shared connection pool
	KVMaxConnections = 1000

	// KVDialTimeout bounds connection establishment to the KV
	KVDialTimeout = 5 * time.Second

	// KVOpTimeout bounds individual KV operations
	KVOpTimeout = 5 * time.Second
)

// Session and connection lifetimes.
const (
	// SessionTimeout is the TTL of session and connection records.
	// Any activity refreshes it.
	SessionTimeout = 30 * time.Minute

	// SessionCacheTTL bounds staleness of the local session read cache
	SessionCacheTTL = 30 * time.Second

	// TimestampWriteInterval throttles last_access and last_seen
	// writes under high-rate chatter
	TimestampWriteInterval = 30 * time.Second

	// BatchFlushInterval is the cadence of the session write-behind flusher
	BatchFlushInterval = 100 * time.Millisecond

	// CacheJanitorInterval is how often stale local cache entries are swept
	CacheJanitorInterval = 5 * time.Minute

	// MaxInactiveDays is how long a user may stay idle before the
	// reaper purges their derived state. The user record itself is
	// always preserved.
	MaxInactiveDays = 365

	// ReaperIntervalDays schedules the reaper sweeps
	ReaperIntervalDays = 1
)

// Websocket health monitoring.
const (
	// PingInterval is how often the engine sends application pings
	PingInterval = 25 * time.Second

	// PongWait is how long the ping loop sleeps before checking the
	// last pong timestamp
	PongWait = 5 * time.Second

	// PongTimeout closes the socket when no pong arrived for this long
	PongTimeout = 30 * time.Second

	// InactivityTimeout closes the socket when no inbound frame
	// arrived for this long
	InactivityTimeout = 60 * time.Second

	// InactivityCheckInterval is the cadence of the inactivity monitor
	InactivityCheckInterval = 10 * time.Second

	// SessionRefreshInterval re-verifies the token and extends session
	// liveness on a chatty socket
	SessionRefreshInterval = 60 * time.Second

	// DedupCacheTTL suppresses identical idempotent intents within
	// this window
	DedupCacheTTL = 300 * time.Second

	// DedupCleanupInterval is the cadence of the dedup cache janitor
	DedupCleanupInterval = 30 * time.Second
)

// Upstream forwarding.
const (
	// ForwardTimeout bounds a single upstream call
	ForwardTimeout = 30 * time.Second

	// RetryAttempts is how many times a retryable upstream failure is
	// attempted in total
	RetryAttempts = 3

	// RetryMultiplier scales the exponential backoff progression
	RetryMultiplier = 1

	// RetryMinWait is the smallest backoff between attempts
	RetryMinWait = time.Second

	// RetryMaxWait caps the backoff between attempts
	RetryMaxWait = 10 * time.Second

	// BreakerFailureThreshold opens the circuit after this many
	// consecutive failures
	BreakerFailureThreshold = 5

	// BreakerRecoveryTimeout is how long the circuit stays open before
	// letting a probe through
	BreakerRecoveryTimeout = 30 * time.Second
)

// Credentials.
const (
	// TokenAlgorithm signs bearer credentials
	TokenAlgorithm = "HS256"

	// TokenExpiry is the bearer credential lifetime
	TokenExpiry = 30 * time.Minute

	// DefaultChatID scopes sessions created without an explicit chat
	DefaultChatID = "default"
)
