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

// Package kv provides the shared key-value client and the pub/sub bus
// used for cross-replica coordination.
package kv

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	// Channel is the concrete channel the message arrived on
	Channel string
	// Payload is the raw published payload
	Payload []byte
}

// Subscription is a live pattern subscription. Close unsubscribes and
// releases the underlying connection.
type Subscription interface {
	// C yields messages until the subscription closes
	C() <-chan Message
	// Close terminates the subscription
	Close() error
}

// Entry is a string value with an expiry, used by batched writes.
type Entry struct {
	// Value is the serialized record
	Value string
	// TTL refreshes the key expiry on write
	TTL time.Duration
}

// Client is the narrow KV surface the gateway depends on. All
// operations share one bounded connection pool.
type Client interface {
	// Get returns the string value of key, trace.NotFound when missing
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key with a TTL, zero TTL means no expiry
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// HSet merges fields into the hash at key
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns all fields of the hash at key, empty when missing
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes fields from the hash at key
	HDel(ctx context.Context, key string, fields ...string) error
	// Delete removes keys, missing keys are not an error
	Delete(ctx context.Context, keys ...string) error
	// Expire refreshes the TTL of key
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining expiry of key; negative when the key
	// has no expiry or does not exist
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Scan returns all keys matching pattern
	Scan(ctx context.Context, pattern string) ([]string, error)
	// BatchGet fetches many keys in one pipelined round trip; missing
	// keys yield empty strings
	BatchGet(ctx context.Context, keys []string) ([]string, error)
	// BatchSet writes many keys in one pipelined round trip
	BatchSet(ctx context.Context, entries map[string]Entry) error
	// Publish sends payload to subscribers of channel
	Publish(ctx context.Context, channel string, payload []byte) error
	// PSubscribe opens a pattern subscription
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)
	// Close releases the pool
	Close() error
}
