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

// Package reaper sweeps expired sessions and the derived state of long
// inactive users. User records themselves are never deleted by the
// reaper.
package reaper

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/conntrack"
	"github.com/wiregate/wiregate/lib/defaults"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/kv"
	"github.com/wiregate/wiregate/lib/session"
	"github.com/wiregate/wiregate/lib/users"
	"github.com/wiregate/wiregate/lib/utils"
)

// inactiveReason is published with the cleanup event so clients can
// explain what happened to the user's state.
const inactiveReason = "inactive"

// Config holds reaper parameters.
type Config struct {
	// Client is the shared KV client
	Client kv.Client
	// Publish sends cross-replica events
	Publish events.PublishFunc
	// Sessions is the session store
	Sessions *session.Store
	// Connections is the connection tracker
	Connections *conntrack.Tracker
	// Interval schedules the sweeps
	Interval time.Duration
	// SessionTimeout classifies a session record as expired
	SessionTimeout time.Duration
	// MaxInactive classifies a user as inactive. Zero means use the
	// default horizon; negative means every user is inactive right away.
	MaxInactive time.Duration
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
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Connections == nil {
		return trace.BadParameter("missing parameter Connections")
	}
	if c.Interval == 0 {
		c.Interval = defaults.ReaperIntervalDays * 24 * time.Hour
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = defaults.SessionTimeout
	}
	if c.MaxInactive == 0 {
		c.MaxInactive = defaults.MaxInactiveDays * 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reaper is the periodic state sweeper.
type Reaper struct {
	Config
	log *log.Entry

	closer *utils.CloseBroadcaster
	wg     sync.WaitGroup
}

// New creates a reaper. Call Start to begin sweeping.
func New(cfg Config) (*Reaper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reaper{
		Config: cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentReaper,
		}),
		closer: utils.NewCloseBroadcaster(),
	}, nil
}

// Start launches the periodic sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Close stops the sweep loop.
func (r *Reaper) Close() error {
	r.closer.Close()
	r.wg.Wait()
	return nil
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	ticker := r.Clock.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := r.RunOnce(ctx); err != nil {
				r.log.WithError(err).Error("Sweep failed.")
			}
			cancel()
		case <-r.closer.C:
			return
		}
	}
}

// RunOnce performs a single full sweep: stale sessions first, then
// inactive users' derived state.
func (r *Reaper) RunOnce(ctx context.Context) error {
	sessionsSwept, err := r.sweepSessions(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	usersSwept, err := r.sweepInactiveUsers(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	r.log.Infof("Sweep complete: %v sessions removed, %v inactive users cleaned.",
		sessionsSwept, usersSwept)
	return nil
}

// sweepSessions removes session records whose last_access is older
// than the session timeout. The KV's own TTL normally gets there
// first; the sweep catches records written without one.
func (r *Reaper) sweepSessions(ctx context.Context) (int, error) {
	keys, err := r.Client.Scan(ctx, session.Prefix+"*")
	if err != nil {
		return 0, trace.Wrap(err)
	}
	cutoff := float64(r.Clock.Now().Add(-r.SessionTimeout).UnixNano()) / float64(time.Second)
	swept := 0
	for _, key := range keys {
		serialized, err := r.Client.Get(ctx, key)
		if err != nil {
			continue
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(serialized), &sess); err != nil {
			r.log.Warnf("Removing corrupt session record %v.", key)
			if err := r.Client.Delete(ctx, key); err == nil {
				swept++
			}
			continue
		}
		if sess.LastAccess >= cutoff {
			// re-arm the expiry on records that lost it, the KV will
			// then collect them on schedule
			if ttl, err := r.Client.TTL(ctx, key); err == nil && ttl < 0 {
				if err := r.Client.Expire(ctx, key, r.SessionTimeout); err != nil {
					r.log.WithError(err).Warnf("Failed to re-arm expiry of %v.", key)
				}
			}
			continue
		}
		if err := r.Client.Delete(ctx, key); err != nil {
			r.log.WithError(err).Warnf("Failed to delete stale session %v.", key)
			continue
		}
		swept++
	}
	return swept, nil
}

// sweepInactiveUsers purges sessions and connection records of users
// idle past the inactivity horizon, publishing a cleanup event per
// user. The user record is preserved so the account can come back.
func (r *Reaper) sweepInactiveUsers(ctx context.Context) (int, error) {
	keys, err := r.Client.Scan(ctx, users.Prefix+"*")
	if err != nil {
		return 0, trace.Wrap(err)
	}
	cutoff := float64(r.Clock.Now().Add(-r.MaxInactive).UnixNano()) / float64(time.Second)
	swept := 0
	for _, key := range keys {
		fields, err := r.Client.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		username := key[len(users.Prefix):]
		lastActive, _ := strconv.ParseFloat(fields["last_login"], 64)
		if lastActive == 0 {
			lastActive, _ = strconv.ParseFloat(fields["created_at"], 64)
		}
		if lastActive == 0 || lastActive >= cutoff {
			continue
		}
		deleted, err := r.Sessions.DeleteUserSessions(ctx, username)
		if err != nil {
			r.log.WithError(err).Warnf("Failed to clean sessions of %v.", username)
			continue
		}
		if err := r.Connections.Remove(ctx, username); err != nil {
			r.log.WithError(err).Warnf("Failed to remove connection of %v.", username)
		}
		if err := r.Publish(ctx, events.UserInactiveCleanup{
			Username: username,
			Reason:   inactiveReason,
		}); err != nil {
			r.log.WithError(err).Warn("Failed to publish inactive cleanup event.")
		}
		r.log.Infof("Cleaned %v sessions of inactive user %v.", deleted, username)
		swept++
	}
	return swept, nil
}
