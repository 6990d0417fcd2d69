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

// Package web implements the gateway's HTTP API and websocket engine.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/auth"
	"github.com/wiregate/wiregate/lib/conntrack"
	"github.com/wiregate/wiregate/lib/defaults"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/forward"
	"github.com/wiregate/wiregate/lib/httplib"
	"github.com/wiregate/wiregate/lib/kv"
	"github.com/wiregate/wiregate/lib/registry"
	"github.com/wiregate/wiregate/lib/session"
	"github.com/wiregate/wiregate/lib/users"
	"github.com/wiregate/wiregate/lib/utils"
)

// Config holds web handler parameters.
type Config struct {
	// Client is the shared KV client
	Client kv.Client
	// Publish sends cross-replica events
	Publish events.PublishFunc
	// Tokens verifies and issues bearer credentials
	Tokens *auth.TokenService
	// Gate authenticates HTTP requests
	Gate *auth.Gate
	// Users is the user store
	Users *users.Store
	// Sessions is the session store
	Sessions *session.Store
	// Connections is the connection tracker
	Connections *conntrack.Tracker
	// Registry is the dynamic dispatch table
	Registry *registry.Registry
	// Forwarder relays requests to registered upstreams
	Forwarder *forward.Forwarder
	// GatewayID identifies this replica
	GatewayID string
	// PublicAddr is the host:port advertised in websocket URLs
	PublicAddr string
	// Clock overrides time in tests
	Clock clockwork.Clock

	// PingInterval is how often the engine pings a socket
	PingInterval time.Duration
	// PongWait is the delay between a ping and its pong check
	PongWait time.Duration
	// PongTimeout closes sockets whose pongs stopped
	PongTimeout time.Duration
	// InactivityTimeout closes idle sockets
	InactivityTimeout time.Duration
	// InactivityCheckInterval is the idle monitor cadence
	InactivityCheckInterval time.Duration
	// SessionRefreshInterval re-verifies tokens on chatty sockets
	SessionRefreshInterval time.Duration
	// DedupCacheTTL suppresses duplicate idempotent intents
	DedupCacheTTL time.Duration
	// DedupCleanupInterval sweeps the dedup cache
	DedupCleanupInterval time.Duration
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
	if c.Gate == nil {
		return trace.BadParameter("missing parameter Gate")
	}
	if c.Users == nil {
		return trace.BadParameter("missing parameter Users")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Connections == nil {
		return trace.BadParameter("missing parameter Connections")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Forwarder == nil {
		return trace.BadParameter("missing parameter Forwarder")
	}
	if c.GatewayID == "" {
		return trace.BadParameter("missing parameter GatewayID")
	}
	if c.PublicAddr == "" {
		c.PublicAddr = fmt.Sprintf("%v:%v", defaults.HTTPListenHost, defaults.HTTPListenPort)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.PongWait == 0 {
		c.PongWait = defaults.PongWait
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = defaults.PongTimeout
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = defaults.InactivityTimeout
	}
	if c.InactivityCheckInterval == 0 {
		c.InactivityCheckInterval = defaults.InactivityCheckInterval
	}
	if c.SessionRefreshInterval == 0 {
		c.SessionRefreshInterval = defaults.SessionRefreshInterval
	}
	if c.DedupCacheTTL == 0 {
		c.DedupCacheTTL = defaults.DedupCacheTTL
	}
	if c.DedupCleanupInterval == 0 {
		c.DedupCleanupInterval = defaults.DedupCleanupInterval
	}
	return nil
}

// Handler is the gateway's HTTP handler.
type Handler struct {
	*httprouter.Router
	cfg      Config
	log      *log.Entry
	conns    *socketRegistry
	upgrader websocket.Upgrader

	closer *utils.CloseBroadcaster
	wg     sync.WaitGroup
}

// NewHandler creates the handler, mounts all routes and starts the
// cross-replica logout watcher.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		Router: httprouter.New(),
		cfg:    cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentWeb,
		}),
		conns: newSocketRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		closer: utils.NewCloseBroadcaster(),
	}

	// account and session lifecycle
	h.POST("/sessions/register", httplib.MakeHandler(h.register))
	h.POST("/sessions/login", httplib.MakeHandler(h.login))
	h.POST("/sessions/logout", httplib.MakeHandler(h.logout))
	h.POST("/sessions/delete_account", httplib.MakeHandler(h.deleteAccount))
	h.POST("/sessions/create", httplib.MakeHandler(h.createSession))
	h.POST("/sessions/update/:id", httplib.MakeHandler(h.updateSession))
	// httprouter cannot mix static and param segments under /sessions
	// on the same method, so reads go through one catch-all
	h.GET("/sessions/*rest", httplib.MakeHandler(h.sessionsRead))

	// dynamic registry management, admin only
	h.POST("/api/register", httplib.MakeHandler(h.apiRegister))
	h.DELETE("/api/unregister", httplib.MakeHandler(h.apiUnregister))
	h.GET("/api/list", httplib.MakeHandler(h.apiList))

	// table-driven upstream dispatch, unregister takes effect on the
	// next request
	h.POST("/api/proxy/:name", httplib.MakeHandler(h.proxyDispatch))
	h.GET("/api/proxy/:name", httplib.MakeHandler(h.proxyDispatch))

	h.GET("/ws/health", httplib.MakeHandler(h.wsHealth))
	h.GET("/ws/connect", h.connectSocket)

	sub, err := cfg.Client.PSubscribe(context.Background(),
		events.SessionLogoutPrefix+"*",
		events.UserInactiveCleanupPrefix+"*",
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.wg.Add(1)
	go h.watchLogouts(sub)
	return h, nil
}

// Close stops the logout watcher and tears down all live sockets.
func (h *Handler) Close() error {
	h.closer.Close()
	for _, s := range h.conns.snapshot() {
		s.close(wiregate.WebsocketCloseNormal, "Server shutting down")
	}
	h.wg.Wait()
	return nil
}

// authenticate runs the request through the auth gate. The token comes
// from the Authorization header or the token query parameter; an
// optional session binding comes from X-Session-Id or session_id.
func (h *Handler) authenticate(r *http.Request) (*auth.Principal, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	expectedSession := r.Header.Get("X-Session-Id")
	if expectedSession == "" {
		expectedSession = r.URL.Query().Get("session_id")
	}
	principal, err := h.cfg.Gate.Authorize(r.Context(), token, expectedSession)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return principal, nil
}

func (h *Handler) requireSelfOrAdmin(p *auth.Principal, userID string) error {
	if p.UserID != userID && p.Role != wiregate.RoleAdmin {
		return trace.AccessDenied("user %q may not access state of %q", p.UserID, userID)
	}
	return nil
}

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	ChatID   string `json:"chat_id"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req credentialsReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Users.Register(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"message":  fmt.Sprintf("user %v registered", user.Username),
		"username": user.Username,
		"role":     user.Role,
	}, nil
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req credentialsReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Users.Login(r.Context(), req.Username, req.Password, req.ChatID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Users.Logout(r.Context(), principal.UserID, principal.SessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "logged out"}, nil
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Users.DeleteAccount(r.Context(), principal.UserID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "account deleted"}, nil
}

type createSessionReq struct {
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createSessionReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = defaults.DefaultChatID
	}
	sess, sessionID, err := h.cfg.Sessions.GetOrCreate(r.Context(), principal.UserID, chatID, req.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Connections.Track(r.Context(), principal.UserID, sessionID, h.cfg.GatewayID, false); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"session_id": sessionID,
		"user_id":    sess.UserID,
		"chat_id":    sess.ChatID,
		"data":       sess.Data,
		"ws_url": fmt.Sprintf("ws://%v/ws/connect?session_id=%v&token={access_token}",
			h.cfg.PublicAddr, sessionID),
	}, nil
}

type updateSessionReq struct {
	Updates map[string]interface{} `json:"updates"`
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessionID := p.ByName("id")
	sess, err := h.cfg.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sess.UserID != principal.UserID {
		return nil, trace.AccessDenied("session %q is not owned by %q", sessionID, principal.UserID)
	}
	var req updateSessionReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.Updates) == 0 {
		return nil, trace.BadParameter("missing updates")
	}
	if err := h.cfg.Sessions.Update(r.Context(), sessionID, principal.UserID, sess.ChatID, req.Updates, nil); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "update queued"}, nil
}

// sessionsRead dispatches GET /sessions/<id>,
// GET /sessions/users/<user>/sessions and
// GET /sessions/users/<user>/connection.
func (h *Handler) sessionsRead(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	parts := strings.Split(strings.Trim(p.ByName("rest"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return h.getSession(r.Context(), principal, parts[0])
	case len(parts) == 3 && parts[0] == "users" && parts[2] == "sessions":
		return h.listUserSessions(r.Context(), principal, parts[1])
	case len(parts) == 3 && parts[0] == "users" && parts[2] == "connection":
		return h.getUserConnection(r.Context(), principal, parts[1])
	}
	return nil, trace.NotFound("path not found")
}

func (h *Handler) getSession(ctx context.Context, principal *auth.Principal, sessionID string) (interface{}, error) {
	sess, err := h.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireSelfOrAdmin(principal, sess.UserID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"session_id":  sessionID,
		"user_id":     sess.UserID,
		"chat_id":     sess.ChatID,
		"data":        sess.Data,
		"created_at":  sess.CreatedAt,
		"last_access": sess.LastAccess,
	}, nil
}

func (h *Handler) listUserSessions(ctx context.Context, principal *auth.Principal, userID string) (interface{}, error) {
	if err := h.requireSelfOrAdmin(principal, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	sessions, err := h.cfg.Sessions.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"user_id":  userID,
		"sessions": sessions,
		"count":    len(sessions),
	}, nil
}

func (h *Handler) getUserConnection(ctx context.Context, principal *auth.Principal, userID string) (interface{}, error) {
	if err := h.requireSelfOrAdmin(principal, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := h.cfg.Connections.Get(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

type registerAPIReq struct {
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	Path           string            `json:"path"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	RequireAuth    bool              `json:"require_auth"`
	WSSupported    bool              `json:"ws_supported"`
}

func (h *Handler) apiRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if principal.Role != wiregate.RoleAdmin {
		return nil, trace.AccessDenied("registry management requires admin role")
	}
	var req registerAPIReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	spec := registry.Spec{
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		Path:        req.Path,
		Method:      req.Method,
		Headers:     req.Headers,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		RequireAuth: req.RequireAuth,
		WSSupported: req.WSSupported,
	}
	if err := h.cfg.Registry.RegisterProxy(spec); err != nil {
		return nil, trace.Wrap(err)
	}
	if spec.WSSupported {
		if err := h.cfg.Registry.RegisterMessage(spec.Name, h.forwardingHandler(spec)); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return map[string]interface{}{"message": fmt.Sprintf("registered %v", spec.Name)}, nil
}

// forwardingHandler relays a websocket message to the registered
// upstream and wraps the reply as <name>_response.
func (h *Handler) forwardingHandler(spec registry.Spec) registry.MessageHandler {
	return func(ctx context.Context, p *auth.Principal, payload map[string]interface{}) (interface{}, error) {
		body, err := json.Marshal(map[string]interface{}{
			"user_id":    p.UserID,
			"session_id": p.SessionID,
			"message":    payload,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		header := http.Header{"Content-Type": []string{"application/json"}}
		for k, v := range spec.Headers {
			header.Set(k, v)
		}
		resp, err := h.cfg.Forwarder.Forward(ctx, spec.Name, spec.Method, spec.URL(), body, header)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var data interface{}
		if err := json.Unmarshal(resp.Body, &data); err != nil {
			data = string(resp.Body)
		}
		return map[string]interface{}{
			"type": spec.Name + "_response",
			"data": data,
		}, nil
	}
}

func (h *Handler) apiUnregister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if principal.Role != wiregate.RoleAdmin {
		return nil, trace.AccessDenied("registry management requires admin role")
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		return nil, trace.BadParameter("missing parameter name")
	}
	if err := h.cfg.Registry.UnregisterProxy(name); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": fmt.Sprintf("unregistered %v", name)}, nil
}

func (h *Handler) apiList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	principal, err := h.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if principal.Role != wiregate.RoleAdmin {
		return nil, trace.AccessDenied("registry management requires admin role")
	}
	return map[string]interface{}{
		"routes":           h.cfg.Registry.ListProxies(),
		"message_handlers": h.cfg.Registry.ListMessages(),
	}, nil
}

// proxyDispatch resolves /api/proxy/:name through the registry table
// and relays the request upstream.
func (h *Handler) proxyDispatch(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name := p.ByName("name")
	spec, ok := h.cfg.Registry.LookupProxy(name)
	if !ok {
		return nil, trace.NotFound("proxy route %q is not registered", name)
	}
	var principal *auth.Principal
	if spec.RequireAuth {
		var err error
		if principal, err = h.authenticate(r); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	header := http.Header{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	if principal != nil {
		// the upstream learns who the caller is from these
		header.Set("X-User-ID", principal.UserID)
		header.Set("X-Session-ID", principal.SessionID)
	}
	for k, v := range spec.Headers {
		header.Set(k, v)
	}
	resp, err := h.cfg.Forwarder.Forward(r.Context(), name, spec.Method, spec.URL(), body, header)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var data interface{}
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		data = string(resp.Body)
	}
	return data, nil
}

func (h *Handler) wsHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	socks := h.conns.snapshot()
	states := make([]map[string]interface{}, 0, len(socks))
	for _, s := range socks {
		states = append(states, s.health())
	}
	return map[string]interface{}{
		"active_connections": len(socks),
		"connections":        states,
		"config": map[string]interface{}{
			"ping_interval_seconds":      int(h.cfg.PingInterval / time.Second),
			"pong_timeout_seconds":       int(h.cfg.PongTimeout / time.Second),
			"inactivity_timeout_seconds": int(h.cfg.InactivityTimeout / time.Second),
			"dedup_ttl_seconds":          int(h.cfg.DedupCacheTTL / time.Second),
		},
	}, nil
}

// connectSocket upgrades first and authenticates after, so failures
// reach the client as close frames instead of opaque handshake errors.
func (h *Handler) connectSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("Websocket upgrade failed.")
		return
	}
	query := r.URL.Query()
	sessionID := query.Get("session_id")
	token := query.Get("token")

	claims, err := h.cfg.Tokens.Verify(token)
	if err != nil {
		rejectSocket(ws, wiregate.WebsocketClosePolicyViolation, "Invalid token")
		return
	}
	userID := claims.Subject

	if conn, err := h.cfg.Connections.Get(r.Context(), userID); err == nil {
		if conn.SessionID != sessionID {
			rejectSocket(ws, wiregate.WebsocketClosePolicyViolation, "Session mismatch")
			return
		}
	} else if !trace.IsNotFound(err) {
		rejectSocket(ws, wiregate.WebsocketClosePolicyViolation, "Internal error")
		return
	}

	sess, err := h.cfg.Sessions.Get(r.Context(), sessionID)
	if err != nil || sess.UserID != userID {
		rejectSocket(ws, wiregate.WebsocketClosePolicyViolation, "Session mismatch")
		return
	}

	if err := h.cfg.Connections.Track(r.Context(), userID, sessionID, h.cfg.GatewayID, true); err != nil {
		h.log.WithError(err).Warn("Failed to track websocket connection.")
	}

	principal := &auth.Principal{UserID: userID, Role: claims.Role, SessionID: sessionID}
	s := newSocket(h, ws, principal, sess.ChatID, token)
	if old := h.conns.add(s); old != nil {
		old.close(wiregate.WebsocketCloseNormal, "Session ended")
	}
	s.log.Infof("Websocket attached, session %v.", sessionID)
	s.run(r.Context())
}

// rejectSocket closes a freshly upgraded socket with a policy frame.
func rejectSocket(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

// watchLogouts closes local sockets whose session ended elsewhere,
// whether by logout or by an inactivity purge.
func (h *Handler) watchLogouts(sub kv.Subscription) {
	defer h.wg.Done()
	defer sub.Close()
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			event, err := events.Parse(msg)
			if err != nil {
				h.log.WithError(err).Debug("Dropping unparseable event.")
				continue
			}
			switch e := event.(type) {
			case events.SessionLogout:
				if s, ok := h.conns.get(e.UserID); ok {
					if e.SessionID == "" || e.SessionID == s.sessionID {
						s.close(wiregate.WebsocketCloseNormal, "Session ended")
					}
				}
			case events.UserInactiveCleanup:
				if s, ok := h.conns.get(e.Username); ok {
					s.close(wiregate.WebsocketCloseNormal, "Session ended")
				}
			}
		case <-h.closer.C:
			return
		}
	}
}
