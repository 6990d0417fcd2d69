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

package auth

import (
	"context"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/conntrack"
	"github.com/wiregate/wiregate/lib/defaults"
	"github.com/wiregate/wiregate/lib/session"
)

// Principal is the authenticated identity attached to a request after
// it passes the gate.
type Principal struct {
	// UserID is the authenticated username
	UserID string
	// Role is the role carried by the verified token
	Role wiregate.Role
	// SessionID is the session bound to the user's connection
	SessionID string
}

// GateConfig holds authentication gate parameters.
type GateConfig struct {
	// Tokens verifies bearer credentials
	Tokens *TokenService
	// Sessions is the session store
	Sessions *session.Store
	// Connections is the connection tracker
	Connections *conntrack.Tracker
	// GatewayID identifies this replica in connection records
	GatewayID string
}

// CheckAndSetDefaults checks and sets default config values
func (c *GateConfig) CheckAndSetDefaults() error {
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
	return nil
}

// Gate authenticates requests: it verifies the bearer token, resolves
// the caller's connection record and keeps liveness fresh.
type Gate struct {
	GateConfig
	log *log.Entry
}

// NewGate creates an authentication gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gate{
		GateConfig: cfg,
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentAuth,
		}),
	}, nil
}

// Authorize verifies the token and returns the caller's principal. A
// caller with no tracked connection gets a default session minted and
// tracked on the spot, so a restarted client keeps working without
// re-login. When expectedSession is non-empty it must match the
// tracked session.
func (g *Gate) Authorize(ctx context.Context, token, expectedSession string) (*Principal, error) {
	claims, err := g.Tokens.Verify(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	userID := claims.Subject

	conn, err := g.Connections.Get(ctx, userID)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		_, sessionID, err := g.Sessions.GetOrCreate(ctx, userID, defaults.DefaultChatID, "")
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := g.Connections.Track(ctx, userID, sessionID, g.GatewayID, false); err != nil {
			return nil, trace.Wrap(err)
		}
		g.log.Infof("Tracked fresh connection for %v, session %v.", userID, sessionID)
		conn = &conntrack.Connection{UserID: userID, SessionID: sessionID}
	}

	if expectedSession != "" && expectedSession != conn.SessionID {
		return nil, wiregate.NewSessionMismatchError(conn.SessionID, expectedSession)
	}

	// throttled liveness refresh; failures here never fail the request
	if err := g.Connections.UpdateTimestamp(ctx, userID, g.GatewayID); err != nil {
		g.log.WithError(err).Debug("Connection timestamp refresh failed.")
	}
	if err := g.Sessions.Touch(ctx, conn.SessionID); err != nil && !trace.IsNotFound(err) {
		g.log.WithError(err).Debug("Session touch failed.")
	}

	return &Principal{
		UserID:    userID,
		Role:      claims.Role,
		SessionID: conn.SessionID,
	}, nil
}

// CheckRole rejects principals whose role does not grant the action.
func CheckRole(p *Principal, action string) error {
	if !p.Role.Allows(action) {
		return trace.AccessDenied("role %q may not perform %q", p.Role, action)
	}
	return nil
}
