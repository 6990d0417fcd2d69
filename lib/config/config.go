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

// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/wiregate/wiregate/lib/defaults"
)

// Config is the full gateway configuration.
type Config struct {
	// Host is the bind host
	Host string
	// Port is the bind port
	Port int
	// PodName identifies this replica when set, e.g. under kubernetes
	PodName string
	// KVURL is the key-value store address
	KVURL string
	// SecretKey signs bearer credentials
	SecretKey string
	// TokenExpiry is the bearer credential lifetime
	TokenExpiry time.Duration

	// SessionTimeout is the TTL of session and connection records
	SessionTimeout time.Duration
	// SessionCacheTTL bounds local session cache staleness
	SessionCacheTTL time.Duration
	// CacheCleanupInterval sweeps local caches
	CacheCleanupInterval time.Duration
	// MaxInactive is the user inactivity horizon. Negative means every
	// user is inactive right away (MAX_INACTIVE_DAYS=0).
	MaxInactive time.Duration
	// ReaperInterval schedules state sweeps
	ReaperInterval time.Duration

	// PingInterval is the websocket ping cadence
	PingInterval time.Duration
	// PongTimeout closes sockets whose pongs stopped
	PongTimeout time.Duration
	// InactivityTimeout closes idle sockets
	InactivityTimeout time.Duration

	// BreakerThreshold trips upstream circuit breakers
	BreakerThreshold int
	// BreakerRecovery is the tripped breaker recovery window
	BreakerRecovery time.Duration
	// RetryAttempts bounds upstream retries
	RetryAttempts int
	// RetryMinWait is the smallest upstream retry backoff
	RetryMinWait time.Duration
	// RetryMaxWait caps the upstream retry backoff
	RetryMaxWait time.Duration
}

// CheckAndSetDefaults checks and sets default config values
func (c *Config) CheckAndSetDefaults() error {
	if c.SecretKey == "" {
		return trace.BadParameter("missing SECRET_KEY")
	}
	if c.Host == "" {
		c.Host = defaults.HTTPListenHost
	}
	if c.Port == 0 {
		c.Port = defaults.HTTPListenPort
	}
	if c.KVURL == "" {
		c.KVURL = defaults.KVURL
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = defaults.TokenExpiry
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = defaults.SessionTimeout
	}
	if c.SessionCacheTTL == 0 {
		c.SessionCacheTTL = defaults.SessionCacheTTL
	}
	if c.CacheCleanupInterval == 0 {
		c.CacheCleanupInterval = defaults.CacheJanitorInterval
	}
	if c.MaxInactive == 0 {
		c.MaxInactive = defaults.MaxInactiveDays * 24 * time.Hour
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = defaults.ReaperIntervalDays * 24 * time.Hour
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = defaults.PongTimeout
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = defaults.InactivityTimeout
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = defaults.BreakerFailureThreshold
	}
	if c.BreakerRecovery == 0 {
		c.BreakerRecovery = defaults.BreakerRecoveryTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryMinWait == 0 {
		c.RetryMinWait = defaults.RetryMinWait
	}
	if c.RetryMaxWait == 0 {
		c.RetryMaxWait = defaults.RetryMaxWait
	}
	return nil
}

// GatewayID returns this replica's identity: the pod name when set,
// the listen address otherwise.
func (c *Config) GatewayID() string {
	if c.PodName != "" {
		return c.PodName
	}
	return c.ListenAddr()
}

// ListenAddr returns the host:port bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%v:%v", c.Host, c.Port)
}

// FromEnv reads the recognized environment variables and validates the
// result.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Host:                 os.Getenv("HOST"),
		Port:                 envInt("PORT", 0),
		PodName:              os.Getenv("POD_NAME"),
		KVURL:                os.Getenv("REDIS_URL"),
		SecretKey:            os.Getenv("SECRET_KEY"),
		TokenExpiry:          envDuration("ACCESS_TOKEN_EXPIRE_MINUTES", time.Minute),
		SessionTimeout:       envDuration("SESSION_TIMEOUT_SECONDS", time.Second),
		SessionCacheTTL:      envDuration("CACHE_TTL_SECONDS", time.Second),
		CacheCleanupInterval: envDuration("CACHE_CLEANUP_INTERVAL_SECONDS", time.Second),
		MaxInactive:          maxInactiveFromEnv(),
		ReaperInterval:       envDuration("REAPER_INTERVAL_DAYS", 24*time.Hour),
		PingInterval:         envDuration("PING_INTERVAL_SECONDS", time.Second),
		PongTimeout:          envDuration("PONG_TIMEOUT_SECONDS", time.Second),
		InactivityTimeout:    envDuration("INACTIVITY_TIMEOUT_SECONDS", time.Second),
		BreakerThreshold:     envInt("CIRCUIT_FAILURE_THRESHOLD", 0),
		BreakerRecovery:      envDuration("CIRCUIT_RECOVERY_TIMEOUT_SECONDS", time.Second),
		RetryAttempts:        envInt("RETRY_ATTEMPTS", 0),
		RetryMinWait:         envDuration("RETRY_MIN_WAIT_SECONDS", time.Second),
		RetryMaxWait:         envDuration("RETRY_MAX_WAIT_SECONDS", time.Second),
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// maxInactiveFromEnv distinguishes MAX_INACTIVE_DAYS=0, meaning
// immediately inactive, from an unset variable, meaning the default
// horizon applies.
func maxInactiveFromEnv() time.Duration {
	switch days := envInt("MAX_INACTIVE_DAYS", -1); {
	case days < 0:
		return 0
	case days == 0:
		return -time.Nanosecond
	default:
		return time.Duration(days) * 24 * time.Hour
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}

func envDuration(key string, unit time.Duration) time.Duration {
	return time.Duration(envInt(key, 0)) * unit
}
