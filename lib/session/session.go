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

// Package session implements the KV-backed session store with a local
// read cache and a batched write-behind flusher.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/defaults"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/kv"
	"github.com/wiregate/wiregate/lib/utils"
)

// Prefix is the keyspace prefix of session records.
const Prefix = "sessions:"

// Key returns the KV key of a session.
func Key(sessionID string) string {
	return Prefix + sessionID
}

// Session is the server-held state container addressed by an opaque
// UUID. The (user, session) binding is immutable for its lifetime.
type Session struct {
	// UserID is the owning user
	UserID string `json:"user_id"`
	// ChatID is the logical chat scope of the session
	ChatID string `json:"chat_id"`
	// Data is the opaque bag of application state
	Data map[string]interface{} `json:"data"`
	// CreatedAt is a unix timestamp in seconds
	CreatedAt float64 `json:"created_at"`
	// LastAccess is a unix timestamp in seconds, refreshed by Touch
	LastAccess float64 `json:"last_access"`
}

// clone returns a deep-enough copy so cache readers cannot mutate the
// cached record.
func (s *Session) clone() *Session {
	out := *s
	out.Data = make(map[string]interface{}, len(s.Data))
	for k, v := range s.Data {
		out.Data[k] = v
	}
	return &out
}

// Config holds session store parameters.
type Config struct {
	// Client is the shared KV client
	Client kv.Client
	// Publish sends cross-replica events
	Publish events.PublishFunc
	// Timeout is the TTL of session records
	Timeout time.Duration
	// CacheTTL bounds staleness of the local read cache
	CacheTTL time.Duration
	// TouchInterval throttles last_access writes per session
	TouchInterval time.Duration
	// FlushInterval is the write-behind flush cadence
	FlushInterval time.Duration
	// JanitorInterval sweeps stale local cache entries
	JanitorInterval time.Duration
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
	if c.Timeout == 0 {
		c.Timeout = defaults.SessionTimeout
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.SessionCacheTTL
	}
	if c.TouchInterval == 0 {
		c.TouchInterval = defaults.TimestampWriteInterval
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.BatchFlushInterval
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = defaults.CacheJanitorInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// pendingUpdate accumulates merges for one session within a flush
// window. Later keys overwrite earlier ones. Every notify callback is
// invoked if the window fails to land.
type pendingUpdate struct {
	userID     string
	chatID     string
	updates    map[string]interface{}
	lastAccess float64
	notify     []func(error)
}

// fail reports a dropped update to every enqueuer that asked.
func (p *pendingUpdate) fail(err error) {
	for _, notify := range p.notify {
		notify(err)
	}
}

type cacheEntry struct {
	session  *Session
	cachedAt time.Time
}

// Store is the session store. The KV is authoritative; the local cache
// is purely accelerative.
type Store struct {
	Config
	log *log.Entry

	// pendingMu guards only the snapshot/clear of pending
	pendingMu sync.Mutex
	pending   map[string]*pendingUpdate

	cacheMu   sync.RWMutex
	cache     map[string]cacheEntry
	lastTouch map[string]time.Time

	closer *utils.CloseBroadcaster
	wg     sync.WaitGroup
}

// NewStore creates a session store and starts its background flusher
// and cache janitor.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		Config: cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentSession,
		}),
		pending:   make(map[string]*pendingUpdate),
		cache:     make(map[string]cacheEntry),
		lastTouch: make(map[string]time.Time),
		closer:    utils.NewCloseBroadcaster(),
	}
	s.wg.Add(2)
	go s.batchWriter()
	go s.cacheJanitor()
	return s, nil
}

// Close stops background tasks and drains any pending writes.
func (s *Store) Close() error {
	s.closer.Close()
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), defaults.KVOpTimeout)
	defer cancel()
	s.Flush(ctx)
	return nil
}

func (s *Store) now() float64 {
	return float64(s.Clock.Now().UnixNano()) / float64(time.Second)
}

// GetOrCreate returns the session with the given id when it exists in
// cache or KV, otherwise mints a new one, persists it with a TTL and
// publishes a session created event.
func (s *Store) GetOrCreate(ctx context.Context, userID, chatID, sessionID string) (*Session, string, error) {
	if sessionID != "" {
		if sess, err := s.Get(ctx, sessionID); err == nil {
			return sess, sessionID, nil
		} else if !trace.IsNotFound(err) {
			s.log.WithError(err).Warnf("Session fetch failed for %v.", sessionID)
		}
	}

	newID := uuid.NewString()
	sess := &Session{
		UserID:     userID,
		ChatID:     chatID,
		Data:       map[string]interface{}{"conversation": []interface{}{}, "api_key": nil},
		CreatedAt:  s.now(),
		LastAccess: s.now(),
	}
	if err := s.put(ctx, newID, sess); err != nil {
		return nil, "", trace.Wrap(err)
	}
	s.cachePut(newID, sess)
	if err := s.Publish(ctx, events.SessionCreated{
		SessionID: newID,
		UserID:    userID,
		ChatID:    chatID,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to publish session created event.")
	}
	s.log.Infof("Created new session %v for %v.", newID, userID)
	return sess.clone(), newID, nil
}

// Get returns a session from cache when fresh, falling back to the KV.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.cacheMu.RLock()
	entry, ok := s.cache[sessionID]
	s.cacheMu.RUnlock()
	if ok && s.Clock.Now().Sub(entry.cachedAt) < s.CacheTTL {
		return entry.session.clone(), nil
	}

	serialized, err := s.Client.Get(ctx, Key(sessionID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(serialized), &sess); err != nil {
		return nil, trace.BadParameter("corrupt session record %v: %v", sessionID, err)
	}
	s.cachePut(sessionID, &sess)
	return sess.clone(), nil
}

// Update enqueues a partial update for the batched writer and returns
// without touching the KV. A non-nil notify is called if the update
// never lands, so callers can undo side effects such as dedup entries.
func (s *Store) Update(ctx context.Context, sessionID, userID, chatID string, updates map[string]interface{}, notify func(error)) error {
	if sessionID == "" {
		return trace.BadParameter("missing session id")
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if existing, ok := s.pending[sessionID]; ok {
		for k, v := range updates {
			existing.updates[k] = v
		}
		existing.lastAccess = s.now()
		if notify != nil {
			existing.notify = append(existing.notify, notify)
		}
		return nil
	}
	update := &pendingUpdate{
		userID:     userID,
		chatID:     chatID,
		updates:    make(map[string]interface{}, len(updates)),
		lastAccess: s.now(),
	}
	for k, v := range updates {
		update.updates[k] = v
	}
	if notify != nil {
		update.notify = append(update.notify, notify)
	}
	s.pending[sessionID] = update
	return nil
}

// Touch refreshes last_access and the record TTL, at most once per
// TouchInterval per session.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	now := s.Clock.Now()
	s.cacheMu.Lock()
	last, ok := s.lastTouch[sessionID]
	if ok && now.Sub(last) < s.TouchInterval {
		s.cacheMu.Unlock()
		return nil
	}
	s.lastTouch[sessionID] = now
	s.cacheMu.Unlock()

	serialized, err := s.Client.Get(ctx, Key(sessionID))
	if err != nil {
		return trace.Wrap(err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(serialized), &sess); err != nil {
		return trace.BadParameter("corrupt session record %v: %v", sessionID, err)
	}
	sess.LastAccess = s.now()
	return trace.Wrap(s.put(ctx, sessionID, &sess))
}

// Delete removes a session record and its cache entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.cacheMu.Lock()
	delete(s.cache, sessionID)
	delete(s.lastTouch, sessionID)
	s.cacheMu.Unlock()
	return trace.Wrap(s.Client.Delete(ctx, Key(sessionID)))
}

// DeleteUserSessions scans and removes every session owned by the
// user, returning how many were deleted.
func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	keys, err := s.Client.Scan(ctx, Prefix+"*")
	if err != nil {
		return 0, trace.Wrap(err)
	}
	deleted := 0
	for _, key := range keys {
		serialized, err := s.Client.Get(ctx, key)
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(serialized), &sess); err != nil {
			continue
		}
		if sess.UserID != userID {
			continue
		}
		if err := s.Client.Delete(ctx, key); err != nil {
			s.log.WithError(err).Warnf("Failed to delete session %v.", key)
			continue
		}
		s.cacheMu.Lock()
		delete(s.cache, key[len(Prefix):])
		s.cacheMu.Unlock()
		deleted++
	}
	if deleted > 0 {
		s.log.Infof("Cleaned up %v sessions for user %v.", deleted, userID)
	}
	return deleted, nil
}

// ListUserSessions returns summaries of every session owned by the user.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]Summary, error) {
	keys, err := s.Client.Scan(ctx, Prefix+"*")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []Summary
	for _, key := range keys {
		serialized, err := s.Client.Get(ctx, key)
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(serialized), &sess); err != nil {
			continue
		}
		if sess.UserID != userID {
			continue
		}
		out = append(out, Summary{
			SessionID:  key[len(Prefix):],
			ChatID:     sess.ChatID,
			CreatedAt:  sess.CreatedAt,
			LastAccess: sess.LastAccess,
		})
	}
	return out, nil
}

// Summary is the per-session listing entry returned to callers.
type Summary struct {
	SessionID  string  `json:"session_id"`
	ChatID     string  `json:"chat_id"`
	CreatedAt  float64 `json:"created_at"`
	LastAccess float64 `json:"last_access"`
}

// Flush drains the pending-writes map in one pipelined round trip:
// snapshot under the mutex, fetch all targets, merge in memory, write
// all back with TTL refresh, then publish one update event per session.
func (s *Store) Flush(ctx context.Context) {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return
	}
	toProcess := s.pending
	s.pending = make(map[string]*pendingUpdate)
	s.pendingMu.Unlock()

	ids := make([]string, 0, len(toProcess))
	keys := make([]string, 0, len(toProcess))
	for sessionID := range toProcess {
		ids = append(ids, sessionID)
		keys = append(keys, Key(sessionID))
	}
	records, err := s.Client.BatchGet(ctx, keys)
	if err != nil {
		s.log.WithError(err).Error("Batch read failed, dropping flush window.")
		for _, update := range toProcess {
			update.fail(err)
		}
		return
	}

	writes := make(map[string]kv.Entry, len(toProcess))
	flushed := make([]string, 0, len(toProcess))
	for i, sessionID := range ids {
		update := toProcess[sessionID]
		if records[i] == "" {
			// session expired or was deleted between enqueue and flush
			update.fail(trace.NotFound("session %v is gone", sessionID))
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(records[i]), &sess); err != nil {
			s.log.WithError(err).Warnf("Corrupt session record %v, skipping.", sessionID)
			update.fail(trace.BadParameter("corrupt session record %v", sessionID))
			continue
		}
		if sess.Data == nil {
			sess.Data = make(map[string]interface{})
		}
		for k, v := range update.updates {
			sess.Data[k] = v
		}
		sess.LastAccess = update.lastAccess
		serialized, err := json.Marshal(&sess)
		if err != nil {
			s.log.WithError(err).Warnf("Failed to serialize session %v, skipping.", sessionID)
			update.fail(trace.Wrap(err))
			continue
		}
		writes[Key(sessionID)] = kv.Entry{Value: string(serialized), TTL: s.Timeout}
		s.cachePut(sessionID, &sess)
		flushed = append(flushed, sessionID)
	}
	if len(writes) == 0 {
		return
	}
	if err := s.Client.BatchSet(ctx, writes); err != nil {
		s.log.WithError(err).Error("Batch write failed, dropping flush window.")
		for _, sessionID := range flushed {
			toProcess[sessionID].fail(err)
		}
		return
	}
	for _, sessionID := range flushed {
		update := toProcess[sessionID]
		if err := s.Publish(ctx, events.SessionUpdated{
			SessionID: sessionID,
			UserID:    update.userID,
			ChatID:    update.chatID,
			Updates:   update.updates,
		}); err != nil {
			s.log.WithError(err).Warn("Failed to publish session update event.")
		}
	}
	s.log.Debugf("Batch wrote %v sessions.", len(flushed))
}

func (s *Store) put(ctx context.Context, sessionID string, sess *Session) error {
	serialized, err := json.Marshal(sess)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.Client.Set(ctx, Key(sessionID), string(serialized), s.Timeout))
}

func (s *Store) cachePut(sessionID string, sess *Session) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[sessionID] = cacheEntry{session: sess.clone(), cachedAt: s.Clock.Now()}
}

func (s *Store) batchWriter() {
	defer s.wg.Done()
	ticker := s.Clock.NewTicker(s.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), defaults.KVOpTimeout)
			s.Flush(ctx)
			cancel()
		case <-s.closer.C:
			return
		}
	}
}

// cacheJanitor drops read-cache entries older than twice the cache TTL
// and touch-throttle entries idle for over ten minutes.
func (s *Store) cacheJanitor() {
	defer s.wg.Done()
	ticker := s.Clock.NewTicker(s.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			now := s.Clock.Now()
			s.cacheMu.Lock()
			for id, entry := range s.cache {
				if now.Sub(entry.cachedAt) > 2*s.CacheTTL {
					delete(s.cache, id)
				}
			}
			for id, last := range s.lastTouch {
				if now.Sub(last) > 10*time.Minute {
					delete(s.lastTouch, id)
				}
			}
			s.cacheMu.Unlock()
		case <-s.closer.C:
			return
		}
	}
}
