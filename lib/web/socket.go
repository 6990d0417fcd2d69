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

package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/auth"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/utils"
)

// writeWait bounds a single frame write on the wire.
const writeWait = 10 * time.Second

// socket is one live websocket attachment. It owns two monitor
// goroutines (ping and inactivity) and serializes all writes through a
// mutex so monitors and the receive loop never interleave frames.
type socket struct {
	h         *Handler
	ws        *websocket.Conn
	userID    string
	sessionID string
	chatID    string
	token     string
	principal *auth.Principal
	log       *log.Entry

	writeMu sync.Mutex

	healthMu     sync.Mutex
	lastActivity time.Time
	lastPong     time.Time
	lastRefresh  time.Time

	dedupMu   sync.Mutex
	dedup     map[string]time.Time
	lastSweep time.Time

	closeOnce sync.Once
	closer    *utils.CloseBroadcaster
	wg        sync.WaitGroup
}

func newSocket(h *Handler, ws *websocket.Conn, p *auth.Principal, chatID, token string) *socket {
	now := h.cfg.Clock.Now()
	return &socket{
		h:         h,
		ws:        ws,
		userID:    p.UserID,
		sessionID: p.SessionID,
		chatID:    chatID,
		token:     token,
		principal: p,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentWebsocket,
			"user":                p.UserID,
		}),
		lastActivity: now,
		lastPong:     now,
		lastRefresh:  now,
		dedup:        make(map[string]time.Time),
		lastSweep:    now,
		closer:       utils.NewCloseBroadcaster(),
	}
}

// run serves the socket until it closes: welcome frame, monitors, then
// the receive loop. Cleanup runs exactly once on the way out.
func (s *socket) run(ctx context.Context) {
	defer s.cleanup(ctx)

	if err := s.writeJSON(map[string]interface{}{
		"type":               wiregate.WSTypeConnected,
		"user_id":            s.userID,
		"session_id":         s.sessionID,
		"gateway_id":         s.h.cfg.GatewayID,
		"ping_interval":      int(s.h.cfg.PingInterval / time.Second),
		"inactivity_timeout": int(s.h.cfg.InactivityTimeout / time.Second),
	}); err != nil {
		s.log.WithError(err).Debug("Failed to send welcome frame.")
		s.close(wiregate.WebsocketClosePolicyViolation, "write failed")
		return
	}

	s.wg.Add(2)
	go s.pingLoop()
	go s.inactivityLoop()

	s.readLoop(ctx)
}

// close is idempotent: it sends the close frame, tears down the wire
// and signals the monitors. The owner goroutine awaits them in cleanup.
func (s *socket) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		deadline := time.Now().Add(writeWait)
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		s.writeMu.Unlock()
		s.ws.Close()
		s.closer.Close()
		s.log.Infof("Closing socket: %v (%v).", reason, code)
	})
}

func (s *socket) cleanup(ctx context.Context) {
	s.close(wiregate.WebsocketCloseNormal, "")
	s.wg.Wait()
	s.h.conns.remove(s)
	if err := s.h.cfg.Connections.SetWSConnected(ctx, s.userID, false); err != nil {
		s.log.WithError(err).Debug("Failed to clear websocket flag.")
	}
	if err := s.h.cfg.Publish(ctx, events.ConnectionRemoved{
		UserID:    s.userID,
		SessionID: s.sessionID,
	}); err != nil {
		s.log.WithError(err).Debug("Failed to publish connection removed event.")
	}
	s.dedupMu.Lock()
	s.dedup = nil
	s.dedupMu.Unlock()
}

func (s *socket) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return trace.Wrap(s.ws.WriteJSON(v))
}

func (s *socket) sendError(detail string) {
	if err := s.writeJSON(map[string]interface{}{
		"type":    wiregate.WSTypeError,
		"message": detail,
	}); err != nil {
		s.log.WithError(err).Debug("Failed to send error frame.")
	}
}

func (s *socket) sendAck(apiKey string) {
	if err := s.writeJSON(map[string]interface{}{
		"type":       wiregate.WSTypeAck,
		"message":    "API key update acknowledged",
		"api_key":    apiKey,
		"session_id": s.sessionID,
		"gateway_id": s.h.cfg.GatewayID,
	}); err != nil {
		s.log.WithError(err).Debug("Failed to send ack frame.")
	}
}

func (s *socket) markActivity() {
	s.healthMu.Lock()
	s.lastActivity = s.h.cfg.Clock.Now()
	s.healthMu.Unlock()
}

// pingLoop sends an application ping every PingInterval, then checks
// shortly after whether a pong has been seen recently enough.
func (s *socket) pingLoop() {
	defer s.wg.Done()
	ticker := s.h.cfg.Clock.NewTicker(s.h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if err := s.writeJSON(map[string]interface{}{
				"type":      wiregate.WSTypePing,
				"timestamp": s.h.cfg.Clock.Now().Unix(),
			}); err != nil {
				s.close(wiregate.WebsocketClosePolicyViolation, "write failed")
				return
			}
			select {
			case <-s.h.cfg.Clock.After(s.h.cfg.PongWait):
			case <-s.closer.C:
				return
			}
			s.healthMu.Lock()
			pongAge := s.h.cfg.Clock.Now().Sub(s.lastPong)
			s.healthMu.Unlock()
			if pongAge > s.h.cfg.PongTimeout {
				s.close(wiregate.WebsocketClosePolicyViolation, "Pong timeout")
				return
			}
		case <-s.closer.C:
			return
		}
	}
}

// inactivityLoop closes sockets with no inbound frames for too long
// and periodically sweeps the dedup cache.
func (s *socket) inactivityLoop() {
	defer s.wg.Done()
	ticker := s.h.cfg.Clock.NewTicker(s.h.cfg.InactivityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			now := s.h.cfg.Clock.Now()
			s.healthMu.Lock()
			idle := now.Sub(s.lastActivity)
			s.healthMu.Unlock()
			if idle > s.h.cfg.InactivityTimeout {
				s.close(wiregate.WebsocketClosePolicyViolation, "Inactivity timeout")
				return
			}
			s.sweepDedup(now)
		case <-s.closer.C:
			return
		}
	}
}

func (s *socket) sweepDedup(now time.Time) {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if now.Sub(s.lastSweep) < s.h.cfg.DedupCleanupInterval {
		return
	}
	s.lastSweep = now
	for fp, seen := range s.dedup {
		if now.Sub(seen) > s.h.cfg.DedupCacheTTL {
			delete(s.dedup, fp)
		}
	}
}

func (s *socket) readLoop(ctx context.Context) {
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("Receive failed.")
			}
			return
		}
		s.markActivity()
		if err := s.h.cfg.Connections.UpdateTimestamp(ctx, s.userID, s.h.cfg.GatewayID); err != nil {
			s.log.WithError(err).Debug("Connection timestamp refresh failed.")
		}
		if !s.refreshSession(ctx) {
			return
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.sendError("malformed message")
			continue
		}
		msgType, _ := payload["type"].(string)
		if msgType == "" {
			s.sendError("missing message type")
			continue
		}
		if !s.handleMessage(ctx, msgType, payload) {
			return
		}
	}
}

// refreshSession re-verifies the token and extends session liveness on
// a chatty socket. Returns false when the socket must close.
func (s *socket) refreshSession(ctx context.Context) bool {
	now := s.h.cfg.Clock.Now()
	s.healthMu.Lock()
	due := now.Sub(s.lastRefresh) >= s.h.cfg.SessionRefreshInterval
	if due {
		s.lastRefresh = now
	}
	s.healthMu.Unlock()
	if !due {
		return true
	}
	if _, err := s.h.cfg.Tokens.Verify(s.token); err != nil {
		s.close(wiregate.WebsocketClosePolicyViolation, "Invalid token")
		return false
	}
	if err := s.h.cfg.Sessions.Touch(ctx, s.sessionID); err != nil && !trace.IsNotFound(err) {
		s.log.WithError(err).Debug("Session touch failed.")
	}
	return true
}

// handleMessage dispatches one inbound frame. Returns false when the
// socket must close.
func (s *socket) handleMessage(ctx context.Context, msgType string, payload map[string]interface{}) bool {
	switch msgType {
	case wiregate.WSTypePong:
		s.healthMu.Lock()
		s.lastPong = s.h.cfg.Clock.Now()
		s.healthMu.Unlock()
		return true
	case wiregate.WSTypePing:
		if err := s.writeJSON(map[string]interface{}{
			"type":      wiregate.WSTypePong,
			"timestamp": s.h.cfg.Clock.Now().Unix(),
		}); err != nil {
			s.close(wiregate.WebsocketClosePolicyViolation, "write failed")
			return false
		}
		return true
	case wiregate.WSTypeUpdateAPIKey:
		if !s.principal.Role.Allows(msgType) {
			s.sendError(fmt.Sprintf("role %q may not send %q", s.principal.Role, msgType))
			return true
		}
		s.handleUpdateAPIKey(ctx, payload)
		return true
	}

	// dynamic handlers are installed by admins and perform their own
	// payload validation
	if handler, ok := s.h.cfg.Registry.LookupMessage(msgType); ok {
		if !s.allowed(msgType) {
			s.sendError(fmt.Sprintf("role %q may not send %q", s.principal.Role, msgType))
			return true
		}
		reply, err := handler(ctx, s.principal, payload)
		if err != nil {
			s.sendError(trace.UserMessage(err))
			return true
		}
		if reply != nil {
			if err := s.writeJSON(reply); err != nil {
				s.close(wiregate.WebsocketClosePolicyViolation, "write failed")
				return false
			}
		}
		return true
	}

	if !s.principal.Role.Allows(msgType) {
		s.sendError(fmt.Sprintf("role %q may not send %q", s.principal.Role, msgType))
		return true
	}
	s.sendError(fmt.Sprintf("no handler registered for %q", msgType))
	return true
}

// allowed implements the per-role allow-list. A type outside the
// role's list is still permitted when its registration does not
// require auth.
func (s *socket) allowed(msgType string) bool {
	if s.principal.Role.Allows(msgType) {
		return true
	}
	if spec, ok := s.h.cfg.Registry.LookupProxy(msgType); ok {
		return !spec.RequireAuth
	}
	return false
}

// handleUpdateAPIKey stores an application key in the session bag. The
// ack goes out immediately; the session write is asynchronous, and a
// failed write evicts the dedup entry so the client's retry is not
// swallowed as a duplicate.
func (s *socket) handleUpdateAPIKey(ctx context.Context, payload map[string]interface{}) {
	apiKey, _ := payload["key"].(string)
	fp := fingerprint(s.sessionID, wiregate.WSTypeUpdateAPIKey, apiKey)
	now := s.h.cfg.Clock.Now()

	s.dedupMu.Lock()
	seen, dup := s.dedup[fp]
	if dup && now.Sub(seen) < s.h.cfg.DedupCacheTTL {
		s.dedupMu.Unlock()
		s.sendAck(apiKey)
		return
	}
	s.dedup[fp] = now
	s.dedupMu.Unlock()

	s.sendAck(apiKey)
	evict := func(err error) {
		s.log.WithError(err).Warn("Api key update failed.")
		s.dedupMu.Lock()
		delete(s.dedup, fp)
		s.dedupMu.Unlock()
	}
	if err := s.h.cfg.Sessions.Update(ctx, s.sessionID, s.userID, s.chatID,
		map[string]interface{}{"api_key": apiKey}, evict); err != nil {
		evict(err)
	}
}

// health reports the socket's liveness counters for /ws/health.
func (s *socket) health() map[string]interface{} {
	now := s.h.cfg.Clock.Now()
	s.healthMu.Lock()
	activityAge := now.Sub(s.lastActivity).Seconds()
	pongAge := now.Sub(s.lastPong).Seconds()
	s.healthMu.Unlock()
	s.dedupMu.Lock()
	dedupSize := len(s.dedup)
	s.dedupMu.Unlock()
	return map[string]interface{}{
		"user_id":               s.userID,
		"session_id":            s.sessionID,
		"last_activity_seconds": activityAge,
		"last_pong_seconds":     pongAge,
		"dedup_cache_size":      dedupSize,
	}
}

func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
