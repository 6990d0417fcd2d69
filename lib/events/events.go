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

// Package events defines the typed cross-replica events and their
// pub/sub channel encoding. Subscribers must be idempotent: the bus is
// best-effort and unordered across channels.
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gravitational/trace"

	"github.com/wiregate/wiregate/lib/kv"
)

// Channel name fragments. A full channel reads
// events:<family>:<verb>:<subject>.
const (
	// UserRegisterPrefix announces a new or updated user record
	UserRegisterPrefix = "events:user:register:"
	// UserDeletePrefix announces an account deletion
	UserDeletePrefix = "events:user:delete:"
	// UserInactiveCleanupPrefix announces an inactivity purge of a
	// user's derived state
	UserInactiveCleanupPrefix = "events:user:inactive_cleanup:"
	// SessionNewPrefix announces a freshly minted session
	SessionNewPrefix = "events:session:new:"
	// SessionUpdatePrefix announces a flushed session mutation
	SessionUpdatePrefix = "events:session:update:"
	// SessionLogoutPrefix announces explicit or implicit logout
	SessionLogoutPrefix = "events:session:logout:"
	// ConnectionWSPrefix announces a websocket attach
	ConnectionWSPrefix = "events:connection:ws:"
	// ConnectionHTTPPrefix announces plain HTTP activity tracking
	ConnectionHTTPPrefix = "events:connection:http:"
	// ConnectionRemovedPrefix announces connection removal
	ConnectionRemovedPrefix = "events:connection:removed:"
	// AccountDeletedPrefix announces full account teardown
	AccountDeletedPrefix = "events:account:deleted:"
)

// Event is a typed cross-replica notification that knows the pub/sub
// channel it travels on.
type Event interface {
	// Channel returns the concrete channel for this event
	Channel() string
}

// UserRegistered is published when a user record is created or updated.
type UserRegistered struct {
	Username string            `json:"username"`
	Fields   map[string]string `json:"user_data"`
}

// Channel returns the concrete channel for this event.
func (e UserRegistered) Channel() string { return UserRegisterPrefix + e.Username }

// UserDeleted is published when an account is explicitly deleted.
type UserDeleted struct {
	Username string `json:"username"`
}

// Channel returns the concrete channel for this event.
func (e UserDeleted) Channel() string { return UserDeletePrefix + e.Username }

// UserInactiveCleanup is published when the reaper purges an inactive
// user's sessions and connection. The user record is preserved.
type UserInactiveCleanup struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

// Channel returns the concrete channel for this event.
func (e UserInactiveCleanup) Channel() string { return UserInactiveCleanupPrefix + e.Username }

// SessionCreated is published when a new session is minted.
type SessionCreated struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
}

// Channel returns the concrete channel for this event.
func (e SessionCreated) Channel() string { return SessionNewPrefix + e.UserID }

// SessionUpdated is published after the batched writer flushes a
// session mutation. One event per touched session per flush window.
type SessionUpdated struct {
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id"`
	ChatID    string                 `json:"chat_id"`
	Updates   map[string]interface{} `json:"updates"`
}

// Channel returns the concrete channel for this event.
func (e SessionUpdated) Channel() string { return SessionUpdatePrefix + e.UserID }

// SessionLogout is published on explicit logout and when a new login
// supersedes an old session. Replicas holding the user's socket close
// it on receipt.
type SessionLogout struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// Channel returns the concrete channel for this event.
func (e SessionLogout) Channel() string { return SessionLogoutPrefix + e.UserID }

// ConnectionTracked is published when a connection record is written.
type ConnectionTracked struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	GatewayID   string `json:"gateway_id"`
	WSConnected bool   `json:"ws_connected"`
}

// Channel returns the concrete channel for this event.
func (e ConnectionTracked) Channel() string {
	if e.WSConnected {
		return ConnectionWSPrefix + e.UserID
	}
	return ConnectionHTTPPrefix + e.UserID
}

// ConnectionRemoved is published when a connection record is dropped.
type ConnectionRemoved struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Channel returns the concrete channel for this event.
func (e ConnectionRemoved) Channel() string { return ConnectionRemovedPrefix + e.UserID }

// AccountDeleted is published after full account teardown.
type AccountDeleted struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Channel returns the concrete channel for this event.
func (e AccountDeleted) Channel() string { return AccountDeletedPrefix + e.UserID }

// PublishFunc publishes one event. Stores receive it as a dependency
// so the bus holds no references back into them.
type PublishFunc func(ctx context.Context, event Event) error

// NewPublisher returns a PublishFunc backed by the KV pub/sub bus.
func NewPublisher(client kv.Client) PublishFunc {
	return func(ctx context.Context, event Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(client.Publish(ctx, event.Channel(), payload))
	}
}

// subject returns the channel suffix after the given prefix.
func subject(channel, prefix string) string {
	return strings.TrimPrefix(channel, prefix)
}

// Parse decodes a raw pub/sub delivery into a typed event.
func Parse(msg kv.Message) (Event, error) {
	switch {
	case strings.HasPrefix(msg.Channel, UserRegisterPrefix):
		var event UserRegistered
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed user register event: %v", err)
		}
		event.Username = subject(msg.Channel, UserRegisterPrefix)
		return event, nil
	case strings.HasPrefix(msg.Channel, UserDeletePrefix):
		return UserDeleted{Username: subject(msg.Channel, UserDeletePrefix)}, nil
	case strings.HasPrefix(msg.Channel, UserInactiveCleanupPrefix):
		var event UserInactiveCleanup
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed inactive cleanup event: %v", err)
		}
		event.Username = subject(msg.Channel, UserInactiveCleanupPrefix)
		return event, nil
	case strings.HasPrefix(msg.Channel, SessionNewPrefix):
		var event SessionCreated
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed session created event: %v", err)
		}
		return event, nil
	case strings.HasPrefix(msg.Channel, SessionUpdatePrefix):
		var event SessionUpdated
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed session updated event: %v", err)
		}
		return event, nil
	case strings.HasPrefix(msg.Channel, SessionLogoutPrefix):
		var event SessionLogout
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed logout event: %v", err)
		}
		event.UserID = subject(msg.Channel, SessionLogoutPrefix)
		return event, nil
	case strings.HasPrefix(msg.Channel, ConnectionWSPrefix),
		strings.HasPrefix(msg.Channel, ConnectionHTTPPrefix):
		var event ConnectionTracked
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed connection event: %v", err)
		}
		return event, nil
	case strings.HasPrefix(msg.Channel, ConnectionRemovedPrefix):
		var event ConnectionRemoved
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed connection removed event: %v", err)
		}
		return event, nil
	case strings.HasPrefix(msg.Channel, AccountDeletedPrefix):
		var event AccountDeleted
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, trace.BadParameter("malformed account deleted event: %v", err)
		}
		return event, nil
	}
	return nil, trace.BadParameter("unrecognized event channel %q", msg.Channel)
}
