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

// Package users implements account registration, login and teardown on
// top of the KV, with a local cache kept coherent via the event bus.
package users

import (
	"context"
	"crypto/subtle"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/auth"
	"github.com/wiregate/wiregate/lib/conntrack"
	"github.com/wiregate/wiregate/lib/defaults"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/kv"
	"github.com/wiregate/wiregate/lib/session"
	"github.com/wiregate/wiregate/lib/utils"
)

// Prefix is the keyspace prefix of user records.
const Prefix = "users:"

// Key returns the KV key of a user record.
func Key(username string) string {
	return Prefix + username
}

// LogoutReasonNewLogin marks sessions superseded by a fresh login.
const LogoutReasonNewLogin = "new_login"

// LogoutReasonExplicit marks sessions ended by the user.
const LogoutReasonExplicit = "logout"

// User is a stored account. Records persist without TTL; only derived
// state (sessions, connections) expires.
type User struct {
	// Username is the account name, unique across the deployment
	Username string `json:"username"`
	// PasswordHash is the hex sha256 digest of the password
	PasswordHash string `json:"-"`
	// Email is the account's contact address, may be empty
	Email string `json:"email,omitempty"`
	// Role is the account's authorization role
	Role wiregate.Role `json:"role"`
	// CreatedAt is a unix timestamp in seconds
	CreatedAt float64 `json:"created_at"`
	// LastLogin is a unix timestamp in seconds, zero before first login
	LastLogin float64 `json:"last_login"`
}

// LoginResult is returned to a successfully authenticated caller.
type LoginResult struct {
	// Token is the freshly signed bearer credential
	Token string `json:"token"`
	// TokenType is always "bearer"
	TokenType string `json:"token_type"`
	// ExpiresIn is the credential lifetime in seconds
	ExpiresIn int `json:"expires_in"`
	// SessionID is the freshly minted session
	SessionID string `json:"session_id"`
	// Role echoes the account role for the client
	Role wiregate.Role `json:"role"`
	// User is the authenticated account
	User *User `json:"user"`
}

// Config holds user store parameters.
type Config struct {
	// Client is the shared KV client
	Client kv.Client
	// Publish sends cross-replica events
	Publish events.PublishFunc
	// Tokens signs bearer credentials on login
	Tokens *auth.TokenService
	// Sessions is the session store
	Sessions *session.Store
	// Connections is the connection tracker
	Connections *conntrack.Tracker
	// GatewayID identifies this replica in connection records
	GatewayID string
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
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Connections == nil {
		return trace.BadParameter("missing parameter Connections")
	}
	if c.GatewayID == "" {
		return trace.BadParameter("missing parameter GatewayID")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the user store. The KV is authoritative; the local cache is
// invalidated by user events from other replicas.
type Store struct {
	Config
	log *log.Entry

	mu    sync.RWMutex
	cache map[string]*User

	closer *utils.CloseBroadcaster
	wg     sync.WaitGroup
}

// NewStore creates a user store and starts its event watcher.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		Config: cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentUsers,
		}),
		cache:  make(map[string]*User),
		closer: utils.NewCloseBroadcaster(),
	}
	sub, err := cfg.Client.PSubscribe(context.Background(),
		events.UserRegisterPrefix+"*",
		events.UserDeletePrefix+"*",
		events.AccountDeletedPrefix+"*",
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.wg.Add(1)
	go s.watchEvents(sub)
	return s, nil
}

// Close stops the event watcher.
func (s *Store) Close() error {
	s.closer.Close()
	s.wg.Wait()
	return nil
}

func (s *Store) now() float64 {
	return float64(s.Clock.Now().UnixNano()) / float64(time.Second)
}

// LoadAll warms the local cache from the KV. Called once at startup.
func (s *Store) LoadAll(ctx context.Context) error {
	keys, err := s.Client.Scan(ctx, Prefix+"*")
	if err != nil {
		return trace.Wrap(err)
	}
	loaded := 0
	for _, key := range keys {
		user, err := s.fetch(ctx, key[len(Prefix):])
		if err != nil {
			s.log.WithError(err).Warnf("Failed to load user %v.", key)
			continue
		}
		s.mu.Lock()
		s.cache[user.Username] = user
		s.mu.Unlock()
		loaded++
	}
	s.log.Infof("Loaded %v users into cache.", loaded)
	return nil
}

// Register creates a new account with the default role.
func (s *Store) Register(ctx context.Context, username, password, email string) (*User, error) {
	if username == "" || password == "" {
		return nil, trace.BadParameter("username and password are required")
	}
	if _, err := s.Get(ctx, username); err == nil {
		return nil, trace.AlreadyExists("user %q already exists", username)
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	user := &User{
		Username:     username,
		PasswordHash: auth.HashPassword(password),
		Email:        email,
		Role:         wiregate.RoleUser,
		CreatedAt:    s.now(),
	}
	if err := s.put(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Publish(ctx, events.UserRegistered{
		Username: username,
		Fields:   map[string]string{"role": user.Role.String()},
	}); err != nil {
		s.log.WithError(err).Warn("Failed to publish user registered event.")
	}
	s.log.Infof("Registered user %v.", username)
	return user, nil
}

// Login authenticates the user, tears down any previous session and
// mints a fresh one. Replicas holding the old session's socket learn
// about it from the logout event.
func (s *Store) Login(ctx context.Context, username, password, chatID string) (*LoginResult, error) {
	user, err := s.Get(ctx, username)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, wiregate.NewAuthError("invalid username or password")
		}
		return nil, trace.Wrap(err)
	}
	supplied := auth.HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(user.PasswordHash)) != 1 {
		return nil, wiregate.NewAuthError("invalid username or password")
	}

	// a new login always supersedes the previous session
	if conn, err := s.Connections.Get(ctx, username); err == nil {
		if err := s.Publish(ctx, events.SessionLogout{
			UserID:    username,
			SessionID: conn.SessionID,
			Reason:    LogoutReasonNewLogin,
		}); err != nil {
			s.log.WithError(err).Warn("Failed to publish logout event.")
		}
		if err := s.Sessions.Delete(ctx, conn.SessionID); err != nil && !trace.IsNotFound(err) {
			s.log.WithError(err).Warnf("Failed to delete superseded session %v.", conn.SessionID)
		}
	}

	if chatID == "" {
		chatID = defaults.DefaultChatID
	}
	_, sessionID, err := s.Sessions.GetOrCreate(ctx, username, chatID, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Connections.Track(ctx, username, sessionID, s.GatewayID, false); err != nil {
		return nil, trace.Wrap(err)
	}

	user.LastLogin = s.now()
	if err := s.put(ctx, user); err != nil {
		s.log.WithError(err).Warnf("Failed to record last login for %v.", username)
	}

	token, err := s.Tokens.Issue(username, user.Role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.Infof("User %v logged in, session %v.", username, sessionID)
	return &LoginResult{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(s.Tokens.Expiry / time.Second),
		SessionID: sessionID,
		Role:      user.Role,
		User:      user,
	}, nil
}

// Logout tears down the user's session and connection record and
// announces it to all replicas.
func (s *Store) Logout(ctx context.Context, userID, sessionID string) error {
	if err := s.Publish(ctx, events.SessionLogout{
		UserID:    userID,
		SessionID: sessionID,
		Reason:    LogoutReasonExplicit,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to publish logout event.")
	}
	if err := s.Sessions.Delete(ctx, sessionID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if err := s.Connections.Remove(ctx, userID); err != nil {
		return trace.Wrap(err)
	}
	s.log.Infof("User %v logged out of session %v.", userID, sessionID)
	return nil
}

// DeleteAccount removes the user record and all derived state.
func (s *Store) DeleteAccount(ctx context.Context, username string) error {
	if _, err := s.Get(ctx, username); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.Sessions.DeleteUserSessions(ctx, username); err != nil {
		return trace.Wrap(err)
	}
	if err := s.Connections.Remove(ctx, username); err != nil {
		return trace.Wrap(err)
	}
	if err := s.Client.Delete(ctx, Key(username)); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	delete(s.cache, username)
	s.mu.Unlock()
	if err := s.Publish(ctx, events.UserDeleted{Username: username}); err != nil {
		s.log.WithError(err).Warn("Failed to publish user deleted event.")
	}
	if err := s.Publish(ctx, events.AccountDeleted{UserID: username, Username: username}); err != nil {
		s.log.WithError(err).Warn("Failed to publish account deleted event.")
	}
	s.log.Infof("Deleted account %v.", username)
	return nil
}

// Get returns a user from cache, falling back to the KV.
func (s *Store) Get(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	user, ok := s.cache[username]
	s.mu.RUnlock()
	if ok {
		out := *user
		return &out, nil
	}
	user, err := s.fetch(ctx, username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	s.cache[username] = user
	s.mu.Unlock()
	out := *user
	return &out, nil
}

func (s *Store) fetch(ctx context.Context, username string) (*User, error) {
	fields, err := s.Client.HGetAll(ctx, Key(username))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, trace.NotFound("user %q is not found", username)
	}
	user := &User{
		Username:     username,
		PasswordHash: fields["password"],
		Email:        fields["email"],
		Role:         wiregate.Role(fields["role"]),
	}
	if !user.Role.Check() {
		user.Role = wiregate.RoleUser
	}
	user.CreatedAt, _ = strconv.ParseFloat(fields["created_at"], 64)
	user.LastLogin, _ = strconv.ParseFloat(fields["last_login"], 64)
	return user, nil
}

func (s *Store) put(ctx context.Context, user *User) error {
	fields := map[string]string{
		"username":   user.Username,
		"password":   user.PasswordHash,
		"email":      user.Email,
		"role":       user.Role.String(),
		"created_at": strconv.FormatFloat(user.CreatedAt, 'f', 6, 64),
		"last_login": strconv.FormatFloat(user.LastLogin, 'f', 6, 64),
	}
	if err := s.Client.HSet(ctx, Key(user.Username), fields); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	clone := *user
	s.cache[user.Username] = &clone
	s.mu.Unlock()
	return nil
}

// watchEvents keeps the local cache coherent with writes performed by
// other replicas.
func (s *Store) watchEvents(sub kv.Subscription) {
	defer s.wg.Done()
	defer sub.Close()
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			event, err := events.Parse(msg)
			if err != nil {
				s.log.WithError(err).Debug("Dropping unparseable event.")
				continue
			}
			switch e := event.(type) {
			case events.UserRegistered:
				// invalidate so the next read refetches the full record
				s.mu.Lock()
				delete(s.cache, e.Username)
				s.mu.Unlock()
			case events.UserDeleted:
				s.mu.Lock()
				delete(s.cache, e.Username)
				s.mu.Unlock()
			case events.AccountDeleted:
				s.mu.Lock()
				delete(s.cache, e.Username)
				s.mu.Unlock()
			}
		case <-s.closer.C:
			return
		}
	}
}
