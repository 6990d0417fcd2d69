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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/auth"
	"github.com/wiregate/wiregate/lib/conntrack"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/forward"
	"github.com/wiregate/wiregate/lib/kv"
	"github.com/wiregate/wiregate/lib/registry"
	"github.com/wiregate/wiregate/lib/session"
	"github.com/wiregate/wiregate/lib/users"
)

type webPack struct {
	handler  *Handler
	srv      *httptest.Server
	client   kv.Client
	tokens   *auth.TokenService
	users    *users.Store
	sessions *session.Store
	conns    *conntrack.Tracker
	registry *registry.Registry
	clock    *clockwork.FakeClock
	mr       *miniredis.Miniredis
}

func newWebPack(t *testing.T) *webPack {
	mr := miniredis.RunT(t)
	client := kv.NewClientFromAddr(mr.Addr())
	t.Cleanup(func() { client.Close() })
	clock := clockwork.NewFakeClock()
	publish := events.NewPublisher(client)

	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "web-test-secret", Clock: clock})
	require.NoError(t, err)

	sessions, err := session.NewStore(session.Config{
		Client:          client,
		Publish:         publish,
		Clock:           clock,
		FlushInterval:   time.Hour,
		JanitorInterval: time.Hour,
	})
	require.NoError(t, err)

	conns, err := conntrack.NewTracker(conntrack.Config{
		Client:  client,
		Publish: publish,
		Clock:   clock,
	})
	require.NoError(t, err)

	gate, err := auth.NewGate(auth.GateConfig{
		Tokens:      tokens,
		Sessions:    sessions,
		Connections: conns,
		GatewayID:   "gw-test",
	})
	require.NoError(t, err)

	userStore, err := users.NewStore(users.Config{
		Client:      client,
		Publish:     publish,
		Tokens:      tokens,
		Sessions:    sessions,
		Connections: conns,
		GatewayID:   "gw-test",
		Clock:       clock,
	})
	require.NoError(t, err)

	forwarder, err := forward.New(forward.Config{
		Attempts: 1,
		RetryMin: time.Millisecond,
		RetryMax: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	reg := registry.New()
	handler, err := NewHandler(Config{
		Client:      client,
		Publish:     publish,
		Tokens:      tokens,
		Gate:        gate,
		Users:       userStore,
		Sessions:    sessions,
		Connections: conns,
		Registry:    reg,
		Forwarder:   forwarder,
		GatewayID:   "gw-test",
		Clock:       clock,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
		userStore.Close()
		sessions.Close()
	})
	return &webPack{
		handler: handler, srv: srv, client: client, tokens: tokens,
		users: userStore, sessions: sessions, conns: conns,
		registry: reg, clock: clock, mr: mr,
	}
}

func (p *webPack) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, p.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// registerAndLogin provisions an account through the API and returns
// its token and session.
func (p *webPack) registerAndLogin(t *testing.T, username, password string) (token, sessionID string) {
	t.Helper()
	resp, _ := p.do(t, http.MethodPost, "/sessions/register", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, out := p.do(t, http.MethodPost, "/sessions/login", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return out["token"].(string), out["session_id"].(string)
}

// provisionAdmin writes an admin record directly and logs it in.
func (p *webPack) provisionAdmin(t *testing.T) string {
	t.Helper()
	require.NoError(t, p.client.HSet(context.Background(), users.Key("root"), map[string]string{
		"username":   "root",
		"password":   auth.HashPassword("rootpw"),
		"role":       "admin",
		"created_at": "0",
		"last_login": "0",
	}))
	resp, out := p.do(t, http.MethodPost, "/sessions/login", "", map[string]string{
		"username": "root", "password": "rootpw",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return out["token"].(string)
}

func TestRegisterLoginFlow(t *testing.T) {
	p := newWebPack(t)

	resp, out := p.do(t, http.MethodPost, "/sessions/register", "", map[string]string{
		"username": "alice", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["message"])
	require.Equal(t, "alice", out["username"])
	require.Equal(t, "user", out["role"])

	// duplicate registration conflicts
	resp, out = p.do(t, http.MethodPost, "/sessions/register", "", map[string]string{
		"username": "alice", "password": "other",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Conflict", out["error"])

	resp, out = p.do(t, http.MethodPost, "/sessions/login", "", map[string]string{
		"username": "alice", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["token"])
	require.NotEmpty(t, out["session_id"])
	require.Equal(t, "bearer", out["token_type"])
	require.Greater(t, out["expires_in"], float64(0))
	loggedIn := out["user"].(map[string]interface{})
	require.Equal(t, "alice", loggedIn["username"])

	// wrong password renders the uniform 401 envelope
	resp, out = p.do(t, http.MethodPost, "/sessions/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Authentication failed", out["error"])
	require.Equal(t, "/sessions/login", out["path"])
}

func TestRequestsRequireToken(t *testing.T) {
	p := newWebPack(t)

	resp, _ := p.do(t, http.MethodPost, "/sessions/logout", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = p.do(t, http.MethodPost, "/sessions/logout", "undefined", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetSessionAuthorization(t *testing.T) {
	p := newWebPack(t)
	aliceToken, aliceSession := p.registerAndLogin(t, "alice", "pw-alice")
	bobToken, _ := p.registerAndLogin(t, "bob", "pw-bob")
	adminToken := p.provisionAdmin(t)

	// owner reads their own session
	resp, out := p.do(t, http.MethodGet, "/sessions/"+aliceSession, aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "alice", out["user_id"])

	// another user is refused
	resp, _ = p.do(t, http.MethodGet, "/sessions/"+aliceSession, bobToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// admins read anything
	resp, _ = p.do(t, http.MethodGet, "/sessions/"+aliceSession, adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = p.do(t, http.MethodGet, "/sessions/no-such-session", aliceToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateSessionFlow(t *testing.T) {
	p := newWebPack(t)
	aliceToken, aliceSession := p.registerAndLogin(t, "alice", "pw-alice")
	bobToken, _ := p.registerAndLogin(t, "bob", "pw-bob")

	// only the owner may queue updates
	resp, _ := p.do(t, http.MethodPost, "/sessions/update/"+aliceSession, bobToken,
		map[string]interface{}{"updates": map[string]interface{}{"theme": "dark"}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = p.do(t, http.MethodPost, "/sessions/update/"+aliceSession, aliceToken,
		map[string]interface{}{"updates": map[string]interface{}{"theme": "dark"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the write lands after the batch flush
	p.sessions.Flush(context.Background())
	p.clock.Advance(time.Minute)
	resp, out := p.do(t, http.MethodGet, "/sessions/"+aliceSession, aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := out["data"].(map[string]interface{})
	require.Equal(t, "dark", data["theme"])
}

func TestUserListings(t *testing.T) {
	p := newWebPack(t)
	aliceToken, aliceSession := p.registerAndLogin(t, "alice", "pw-alice")
	bobToken, _ := p.registerAndLogin(t, "bob", "pw-bob")

	resp, out := p.do(t, http.MethodGet, "/sessions/users/alice/sessions", aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := out["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	require.Equal(t, float64(1), out["count"])

	resp, out = p.do(t, http.MethodGet, "/sessions/users/alice/connection", aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, aliceSession, out["session_id"])

	// peers cannot read each other
	resp, _ = p.do(t, http.MethodGet, "/sessions/users/alice/sessions", bobToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProxyRegistryFlow(t *testing.T) {
	p := newWebPack(t)
	userToken, _ := p.registerAndLogin(t, "alice", "pw-alice")
	adminToken := p.provisionAdmin(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"charged":true}`))
	}))
	defer upstream.Close()

	// registry management is admin only
	resp, _ := p.do(t, http.MethodPost, "/api/register", userToken, map[string]interface{}{
		"name": "billing", "base_url": upstream.URL,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = p.do(t, http.MethodPost, "/api/register", adminToken, map[string]interface{}{
		"name": "billing", "base_url": upstream.URL,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := p.do(t, http.MethodGet, "/api/list", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	routes := out["routes"].([]interface{})
	require.Len(t, routes, 1)

	// dispatch resolves through the table
	resp, out = p.do(t, http.MethodPost, "/api/proxy/billing", "", map[string]interface{}{"amount": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["charged"])

	// unregister takes effect on the next request
	resp, _ = p.do(t, http.MethodDelete, "/api/unregister?name=billing", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = p.do(t, http.MethodDelete, "/api/unregister", adminToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = p.do(t, http.MethodPost, "/api/proxy/billing", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionEnvelope(t *testing.T) {
	p := newWebPack(t)
	token, _ := p.registerAndLogin(t, "alice", "pw-alice")

	resp, out := p.do(t, http.MethodPost, "/sessions/create", token,
		map[string]string{"chat_id": "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["session_id"])
	require.Equal(t, "alice", out["user_id"])
	require.Equal(t, "work", out["chat_id"])
	require.Contains(t, out["data"].(map[string]interface{}), "api_key")
	require.Contains(t, out["ws_url"].(string), out["session_id"].(string))
}

func TestProxyForwardsCallerIdentity(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")
	adminToken := p.provisionAdmin(t)

	var captured http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	resp, _ := p.do(t, http.MethodPost, "/api/register", adminToken, map[string]interface{}{
		"name": "billing", "base_url": upstream.URL, "require_auth": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// an authenticated dispatch carries the caller's identity upstream
	resp, _ = p.do(t, http.MethodPost, "/api/proxy/billing", token, map[string]interface{}{"amount": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "alice", captured.Get("X-User-ID"))
	require.Equal(t, sessionID, captured.Get("X-Session-ID"))

	// without a token the route is refused outright
	resp, _ = p.do(t, http.MethodPost, "/api/proxy/billing", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func (p *webPack) dial(t *testing.T, sessionID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(p.srv.URL, "http") +
		fmt.Sprintf("/ws/connect?session_id=%v&token=%v", sessionID, token)
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]interface{}
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestSocketWelcomeAndDedup(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")

	ws, _, err := p.dial(t, sessionID, token)
	require.NoError(t, err)
	defer ws.Close()

	welcome := readFrame(t, ws)
	require.Equal(t, wiregate.WSTypeConnected, welcome["type"])
	require.Equal(t, "alice", welcome["user_id"])
	require.Equal(t, sessionID, welcome["session_id"])
	require.Equal(t, "gw-test", welcome["gateway_id"])

	// every send is acked, the retry included
	for _, key := range []string{"sk-123", "sk-123", "sk-456"} {
		require.NoError(t, ws.WriteJSON(map[string]interface{}{
			"type": wiregate.WSTypeUpdateAPIKey, "key": key,
		}))
		ack := readFrame(t, ws)
		require.Equal(t, wiregate.WSTypeAck, ack["type"])
		require.NotEmpty(t, ack["message"])
		require.Equal(t, key, ack["api_key"])
		require.Equal(t, sessionID, ack["session_id"])
		require.Equal(t, "gw-test", ack["gateway_id"])
	}

	// a ping round-trip guarantees the last update was enqueued before
	// the flush below
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": wiregate.WSTypePing}))
	require.Equal(t, wiregate.WSTypePong, readFrame(t, ws)["type"])

	// the retry was suppressed, so only two intents are remembered
	resp, out := p.do(t, http.MethodGet, "/ws/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := out["connections"].([]interface{})
	require.Len(t, conns, 1)
	require.Equal(t, float64(2), conns[0].(map[string]interface{})["dedup_cache_size"])

	// the last key wins once the batch flush lands
	p.sessions.Flush(context.Background())
	p.clock.Advance(time.Minute)
	sess, err := p.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, "sk-456", sess.Data["api_key"])
}

func TestFailedFlushEvictsDedupEntry(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")
	ctx := context.Background()

	ws, _, err := p.dial(t, sessionID, token)
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws) // welcome

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type": wiregate.WSTypeUpdateAPIKey, "key": "sk-lost",
	}))
	ack := readFrame(t, ws)
	require.Equal(t, wiregate.WSTypeAck, ack["type"])
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": wiregate.WSTypePing}))
	require.Equal(t, wiregate.WSTypePong, readFrame(t, ws)["type"])

	// the session vanishes before the batch flush, so the queued write
	// is dropped and the intent must be forgotten
	require.NoError(t, p.sessions.Delete(ctx, sessionID))
	p.sessions.Flush(ctx)

	resp, out := p.do(t, http.MethodGet, "/ws/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := out["connections"].([]interface{})
	require.Len(t, conns, 1)
	require.Equal(t, float64(0), conns[0].(map[string]interface{})["dedup_cache_size"])
}

func TestSocketErrorFrames(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")

	ws, _, err := p.dial(t, sessionID, token)
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws) // welcome

	// malformed JSON is reported without closing, with the detail
	// under the message field
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, ws)
	require.Equal(t, wiregate.WSTypeError, frame["type"])
	require.NotEmpty(t, frame["message"])

	// missing type is reported
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"data": 1}))
	frame = readFrame(t, ws)
	require.Equal(t, wiregate.WSTypeError, frame["type"])
	require.NotEmpty(t, frame["message"])

	// unknown types are reported, the socket stays up
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "bogus"}))
	frame = readFrame(t, ws)
	require.Equal(t, wiregate.WSTypeError, frame["type"])
	require.NotEmpty(t, frame["message"])

	// client ping still answered after the errors
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": wiregate.WSTypePing}))
	frame = readFrame(t, ws)
	require.Equal(t, wiregate.WSTypePong, frame["type"])
}

func TestSocketDynamicHandlerAuthorization(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")
	adminToken := p.provisionAdmin(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"echoed":true}`))
	}))
	defer upstream.Close()

	resp, _ := p.do(t, http.MethodPost, "/api/register", adminToken, map[string]interface{}{
		"name": "audit", "base_url": upstream.URL, "require_auth": true, "ws_supported": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = p.do(t, http.MethodPost, "/api/register", adminToken, map[string]interface{}{
		"name": "echo", "base_url": upstream.URL, "require_auth": false, "ws_supported": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ws, _, err := p.dial(t, sessionID, token)
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws) // welcome

	// a guarded handler is outside the user role's allow-list
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "audit"}))
	frame := readFrame(t, ws)
	require.Equal(t, wiregate.WSTypeError, frame["type"])
	require.Contains(t, frame["message"].(string), "audit")

	// an open handler is dispatched for any role
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "echo"}))
	frame = readFrame(t, ws)
	require.Equal(t, "echo_response", frame["type"])
}

func TestInactiveCleanupClosesSocket(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")

	ws, _, err := p.dial(t, sessionID, token)
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws) // welcome

	publish := events.NewPublisher(p.client)
	require.NoError(t, publish(context.Background(), events.UserInactiveCleanup{
		Username: "alice",
		Reason:   "inactive",
	}))

	// the cleanup event closes the socket with a normal closure
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err = ws.ReadMessage()
		if err != nil {
			break
		}
	}
	require.True(t, websocket.IsCloseError(err, wiregate.WebsocketCloseNormal))
}

func TestSocketSessionMismatch(t *testing.T) {
	p := newWebPack(t)
	token, _ := p.registerAndLogin(t, "alice", "pw-alice")

	ws, _, err := p.dial(t, "wrong-session", token)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, wiregate.WebsocketClosePolicyViolation))
}

func TestSocketInvalidToken(t *testing.T) {
	p := newWebPack(t)
	_, sessionID := p.registerAndLogin(t, "alice", "pw-alice")

	ws, _, err := p.dial(t, sessionID, "undefined")
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, wiregate.WebsocketClosePolicyViolation))
}

func TestLogoutClosesSocket(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")

	ws, _, err := p.dial(t, sessionID, token)
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws) // welcome

	resp, _ := p.do(t, http.MethodPost, "/sessions/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the logout event closes the socket with a normal closure
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err = ws.ReadMessage()
		if err != nil {
			break
		}
	}
	require.True(t, websocket.IsCloseError(err, wiregate.WebsocketCloseNormal))
}

func TestWSHealth(t *testing.T) {
	p := newWebPack(t)
	token, sessionID := p.registerAndLogin(t, "alice", "pw-alice")

	ws, _, err := p.dial(t, sessionID, token)
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws) // welcome

	resp, out := p.do(t, http.MethodGet, "/ws/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), out["active_connections"])
	conns := out["connections"].([]interface{})
	require.Len(t, conns, 1)
}
