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

// Package auth implements credential issuance and the request
// authentication gate.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/defaults"
)

// Claims is the bearer token payload: the subject username, the role
// and the expiry.
type Claims struct {
	// Role is the subject's role at issuance time
	Role wiregate.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenConfig holds token service parameters.
type TokenConfig struct {
	// Secret is the HMAC signing secret
	Secret string
	// Expiry is the token lifetime
	Expiry time.Duration
	// Clock overrides time in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config values
func (c *TokenConfig) CheckAndSetDefaults() error {
	if c.Secret == "" {
		return trace.BadParameter("missing parameter Secret")
	}
	if c.Expiry == 0 {
		c.Expiry = defaults.TokenExpiry
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// TokenService signs and verifies HS256 bearer tokens.
type TokenService struct {
	TokenConfig
}

// NewTokenService creates a token service.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenService{TokenConfig: cfg}, nil
}

// Issue signs a fresh token for the given subject and role.
func (s *TokenService) Issue(username string, role wiregate.Role) (string, error) {
	now := s.Clock.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}

// Verify checks the token signature, expiry and shape and returns its
// claims. Javascript clients serialize absent tokens as the literal
// strings "undefined" and "null"; both are rejected up front.
func (s *TokenService) Verify(token string) (*Claims, error) {
	if token == "" || token == "undefined" || token == "null" {
		return nil, wiregate.NewAuthError("missing or malformed token")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.Secret), nil
	},
		jwt.WithValidMethods([]string{defaults.TokenAlgorithm}),
		jwt.WithTimeFunc(s.Clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, wiregate.NewAuthError("token expired")
		}
		return nil, wiregate.NewAuthError("missing or malformed token")
	}
	if claims.Subject == "" {
		return nil, wiregate.NewAuthError("missing or malformed token")
	}
	return &claims, nil
}

// HashPassword returns the hex encoded sha256 digest of a password.
// Records store digests only, never the cleartext.
func HashPassword(password string) string {
	digest := sha256.Sum256([]byte(password))
	return hex.EncodeToString(digest[:])
}
