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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate/lib/auth"
	"github.com/wiregate/wiregate/lib/config"
	"github.com/wiregate/wiregate/lib/conntrack"
	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/forward"
	"github.com/wiregate/wiregate/lib/kv"
	"github.com/wiregate/wiregate/lib/reaper"
	"github.com/wiregate/wiregate/lib/registry"
	"github.com/wiregate/wiregate/lib/session"
	"github.com/wiregate/wiregate/lib/users"
	"github.com/wiregate/wiregate/lib/web"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}
	if err := run(); err != nil {
		log.WithError(err).Fatal("Gateway failed.")
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	client, err := kv.NewClient(kv.Config{URL: cfg.KVURL})
	if err != nil {
		return trace.Wrap(err)
	}
	defer client.Close()
	publish := events.NewPublisher(client)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret: cfg.SecretKey,
		Expiry: cfg.TokenExpiry,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sessions, err := session.NewStore(session.Config{
		Client:          client,
		Publish:         publish,
		Timeout:         cfg.SessionTimeout,
		CacheTTL:        cfg.SessionCacheTTL,
		JanitorInterval: cfg.CacheCleanupInterval,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer sessions.Close()

	connections, err := conntrack.NewTracker(conntrack.Config{
		Client:  client,
		Publish: publish,
		TTL:     cfg.SessionTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	gate, err := auth.NewGate(auth.GateConfig{
		Tokens:      tokens,
		Sessions:    sessions,
		Connections: connections,
		GatewayID:   cfg.GatewayID(),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	userStore, err := users.NewStore(users.Config{
		Client:      client,
		Publish:     publish,
		Tokens:      tokens,
		Sessions:    sessions,
		Connections: connections,
		GatewayID:   cfg.GatewayID(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer userStore.Close()
	if err := userStore.LoadAll(context.Background()); err != nil {
		log.WithError(err).Warn("User cache warm-up failed.")
	}

	forwarder, err := forward.New(forward.Config{
		Attempts:         cfg.RetryAttempts,
		RetryMin:         cfg.RetryMinWait,
		RetryMax:         cfg.RetryMaxWait,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerRecovery:  cfg.BreakerRecovery,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sweeper, err := reaper.New(reaper.Config{
		Client:         client,
		Publish:        publish,
		Sessions:       sessions,
		Connections:    connections,
		Interval:       cfg.ReaperInterval,
		SessionTimeout: cfg.SessionTimeout,
		MaxInactive:    cfg.MaxInactive,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	sweeper.Start()
	defer sweeper.Close()

	handler, err := web.NewHandler(web.Config{
		Client:            client,
		Publish:           publish,
		Tokens:            tokens,
		Gate:              gate,
		Users:             userStore,
		Sessions:          sessions,
		Connections:       connections,
		Registry:          registry.New(),
		Forwarder:         forwarder,
		GatewayID:         cfg.GatewayID(),
		PublicAddr:        cfg.ListenAddr(),
		PingInterval:      cfg.PingInterval,
		PongTimeout:       cfg.PongTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer handler.Close()

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: handler,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Gateway %v listening on %v.", cfg.GatewayID(), cfg.ListenAddr())
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("Received %v, shutting down.", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return trace.Wrap(err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err)
		}
		return nil
	}
}
