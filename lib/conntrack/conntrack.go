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

// Package conntrack maintains the per-user connection records that bind
// a user to their current session and gateway replica.
package conntrack

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/defaults"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/kv"
)

// Prefix is the keyspace prefix of connection records.
const Prefix = "connections:"

// Key returns the KV key of a user's connection record.
func Key(userID string) string {
	return Prefix + userID
}

// Connection is the tracked state of a user's presence on the gateway.
// One record per user: a new login supersedes the previous one.
type Connection struct {
	// UserID is the owning user
	UserID string `json:"user_id"`
	// SessionID is the session bound to this connection
	SessionID string `json:"session_id"`
	// GatewayID identifies the replica that last served the user
	GatewayID string `json:"gateway_id"`
	// WSConnected reports whether a live websocket is attached
	WSConnected bool `json:"ws_connected"`
	// ConnectedAt is a unix timestamp in seconds
	ConnectedAt float64 `json:"connected_at"`
	// LastSeen is a unix timestamp in seconds, throttled on write
	LastSeen float64 `json:"last_seen"`
}

// Config holds connection tracker parameters.
type Config struct {
	// Client is the shared KV client
	Client kv.Client
	// Publish sends cross-replica events
	Publish events.PublishFunc
	// TTL is the record expiry, refreshed on every write
	TTL time.Duration
	// TouchInterval throttles last_seen writes per user
	TouchInterval time.Duration
	// Clock overrides time in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config values
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Publish == nil {
		return trace.BadParameter("missing parameter Publish")
	}
	if c.TTL == 0 {
		c.TTL = defaults.SessionTimeout
	}
	if c.TouchInterval == 0 {
		c.TouchInterval = defaults.TimestampWriteInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Tracker reads and writes connection records.
type Tracker struct {
	Config
	log *log.Entry

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// NewTracker creates a connection tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Tracker{
		Config: cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentConnTrack,
		}),
		lastTouch: make(map[string]time.Time),
	}, nil
}

func (t *Tracker) now() float64 {
	return float64(t.Clock.Now().UnixNano()) / float64(time.Second)
}

// Track writes the user's connection record, overwriting any previous
// one, and publishes a connection tracked event.
func (t *Tracker) Track(ctx context.Context, userID, sessionID, gatewayID string, wsConnected bool) error {
	now := t.now()
	fields := map[string]string{
		"session_id":   sessionID,
		"gateway_id":   gatewayID,
		"ws_connected": strconv.FormatBool(wsConnected),
		"connected_at": formatTimestamp(now),
		"last_seen":    formatTimestamp(now),
	}
	if err := t.Client.HSet(ctx, Key(userID), fields); err != nil {
		return trace.Wrap(err)
	}
	if err := t.Client.Expire(ctx, Key(userID), t.TTL); err != nil {
		return trace.Wrap(err)
	}
	if err := t.Publish(ctx, events.ConnectionTracked{
		UserID:      userID,
		SessionID:   sessionID,
		GatewayID:   gatewayID,
		WSConnected: wsConnected,
	}); err != nil {
		t.log.WithError(err).Warn("Failed to publish connection event.")
	}
	return nil
}

// Get returns the user's connection record, trace.NotFound when the
// user has none.
func (t *Tracker) Get(ctx context.Context, userID string) (*Connection, error) {
	fields, err := t.Client.HGetAll(ctx, Key(userID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, trace.NotFound("no connection tracked for user %q", userID)
	}
	conn := &Connection{
		UserID:      userID,
		SessionID:   fields["session_id"],
		GatewayID:   fields["gateway_id"],
		WSConnected: fields["ws_connected"] == "true",
	}
	conn.ConnectedAt, _ = strconv.ParseFloat(fields["connected_at"], 64)
	conn.LastSeen, _ = strconv.ParseFloat(fields["last_seen"], 64)
	return conn, nil
}

// UpdateTimestamp refreshes last_seen, the serving gateway and the
// record TTL, at most once per TouchInterval per user.
func (t *Tracker) UpdateTimestamp(ctx context.Context, userID, gatewayID string) error {
	now := t.Clock.Now()
	t.mu.Lock()
	last, ok := t.lastTouch[userID]
	if ok && now.Sub(last) < t.TouchInterval {
		t.mu.Unlock()
		return nil
	}
	t.lastTouch[userID] = now
	t.mu.Unlock()

	fields := map[string]string{
		"last_seen":  formatTimestamp(t.now()),
		"gateway_id": gatewayID,
	}
	if err := t.Client.HSet(ctx, Key(userID), fields); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(t.Client.Expire(ctx, Key(userID), t.TTL))
}

// SetWSConnected flips the websocket flag on the record.
func (t *Tracker) SetWSConnected(ctx context.Context, userID string, connected bool) error {
	fields := map[string]string{
		"ws_connected": strconv.FormatBool(connected),
	}
	if err := t.Client.HSet(ctx, Key(userID), fields); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(t.Client.Expire(ctx, Key(userID), t.TTL))
}

// Remove drops the user's connection record and publishes a removal
// event. Removing a missing record is not an error.
func (t *Tracker) Remove(ctx context.Context, userID string) error {
	conn, err := t.Get(ctx, userID)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if err := t.Client.Delete(ctx, Key(userID)); err != nil {
		return trace.Wrap(err)
	}
	t.mu.Lock()
	delete(t.lastTouch, userID)
	t.mu.Unlock()
	sessionID := ""
	if conn != nil {
		sessionID = conn.SessionID
	}
	if err := t.Publish(ctx, events.ConnectionRemoved{
		UserID:    userID,
		SessionID: sessionID,
	}); err != nil {
		t.log.WithError(err).Warn("Failed to publish connection removed event.")
	}
	return nil
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}
