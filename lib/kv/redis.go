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

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/wiregate/wiregate/lib/defaults"
)

// Config holds connection parameters of the redis-backed client.
type Config struct {
	// URL is the redis connection string, e.g. redis://host:6379
	URL string
	// MaxConnections caps the shared pool
	MaxConnections int
	// DialTimeout bounds connection establishment
	DialTimeout time.Duration
	// OpTimeout bounds individual read/write operations
	OpTimeout time.Duration
}

// CheckAndSetDefaults checks and sets default config values
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		c.URL = defaults.KVURL
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaults.KVMaxConnections
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.KVDialTimeout
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = defaults.KVOpTimeout
	}
	return nil
}

// NewClient creates a redis-backed KV client sharing a single bounded
// connection pool across all gateway components.
func NewClient(cfg Config) (Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, trace.BadParameter("invalid KV URL %q: %v", cfg.URL, err)
	}
	opts.PoolSize = cfg.MaxConnections
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.OpTimeout
	opts.WriteTimeout = cfg.OpTimeout
	return &redisClient{rdb: redis.NewClient(opts)}, nil
}

// NewClientFromAddr creates a client for a bare host:port address,
// used by tests running against an in-process server.
func NewClientFromAddr(addr string) Client {
	return &redisClient{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

type redisClient struct {
	rdb *redis.Client
}

func (c *redisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", trace.NotFound("key %q is not found", key)
		}
		return "", trace.ConnectionProblem(err, "KV get failed")
	}
	return val, nil
}

func (c *redisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "KV set failed")
	}
	return nil
}

func (c *redisClient) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	if err := c.rdb.HSet(ctx, key, args).Err(); err != nil {
		return trace.ConnectionProblem(err, "KV hash set failed")
	}
	return nil
}

func (c *redisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "KV hash get failed")
	}
	return fields, nil
}

func (c *redisClient) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return trace.ConnectionProblem(err, "KV hash delete failed")
	}
	return nil
}

func (c *redisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return trace.ConnectionProblem(err, "KV delete failed")
	}
	return nil
}

func (c *redisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "KV expire failed")
	}
	return nil
}

func (c *redisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, trace.ConnectionProblem(err, "KV ttl failed")
	}
	return ttl, nil
}

func (c *redisClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, trace.ConnectionProblem(err, "KV scan failed")
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (c *redisClient) BatchGet(ctx context.Context, keys []string) ([]string, error) {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, trace.ConnectionProblem(err, "KV pipelined read failed")
	}
	out := make([]string, len(keys))
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, trace.ConnectionProblem(err, "KV pipelined read failed")
		}
		out[i] = val
	}
	return out, nil
}

func (c *redisClient) BatchSet(ctx context.Context, entries map[string]Entry) error {
	pipe := c.rdb.Pipeline()
	for key, entry := range entries {
		pipe.Set(ctx, key, entry.Value, entry.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return trace.ConnectionProblem(err, "KV pipelined write failed")
	}
	return nil
}

func (c *redisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return trace.ConnectionProblem(err, "KV publish failed")
	}
	return nil
}

func (c *redisClient) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	pubsub := c.rdb.PSubscribe(ctx, patterns...)
	// force the subscription on the wire before returning so callers
	// do not miss events published right after
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, trace.ConnectionProblem(err, "KV subscribe failed")
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, 64),
	}
	go sub.pump()
	return sub, nil
}

func (c *redisClient) Close() error {
	return trace.Wrap(c.rdb.Close())
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) C() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return trace.Wrap(s.pubsub.Close())
}
