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

// Package registry holds the runtime-mutable tables of proxy routes
// and websocket message handlers. The HTTP router mounts one static
// dispatch route; adding or removing entries here takes effect on the
// next request without touching the router.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/wiregate/wiregate"
	"github.com/wiregate/wiregate/lib/auth"
)

// Spec describes one registered upstream route.
type Spec struct {
	// Name keys the route, it becomes the /api/proxy/:name segment
	Name string `json:"name"`
	// BaseURL is the upstream base, e.g. http://billing:9000
	BaseURL string `json:"base_url"`
	// Path is appended to BaseURL when forwarding
	Path string `json:"path"`
	// Method is the upstream HTTP method, defaults to POST
	Method string `json:"method"`
	// Headers are added to every forwarded request
	Headers map[string]string `json:"headers,omitempty"`
	// Timeout overrides the forwarder's per-call timeout when non-zero
	Timeout time.Duration `json:"timeout,omitempty"`
	// RequireAuth gates the route behind the auth gate
	RequireAuth bool `json:"require_auth"`
	// WSSupported additionally installs a websocket message handler
	// named after the route
	WSSupported bool `json:"ws_supported"`
}

// CheckAndSetDefaults checks and sets default spec values
func (s *Spec) CheckAndSetDefaults() error {
	if s.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if s.BaseURL == "" {
		return trace.BadParameter("missing parameter BaseURL")
	}
	if s.Method == "" {
		s.Method = "POST"
	}
	return nil
}

// URL returns the full upstream URL of the spec.
func (s *Spec) URL() string {
	return s.BaseURL + s.Path
}

// MessageHandler processes one websocket message of a registered type.
// The returned value, when non-nil, is sent back to the client.
type MessageHandler func(ctx context.Context, p *auth.Principal, payload map[string]interface{}) (interface{}, error)

// Registry is the dynamic dispatch table. Safe for concurrent use.
type Registry struct {
	log *log.Entry

	mu       sync.RWMutex
	proxies  map[string]Spec
	handlers map[string]MessageHandler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		log: log.WithFields(log.Fields{
			wiregate.ComponentKey: wiregate.ComponentRegistry,
		}),
		proxies:  make(map[string]Spec),
		handlers: make(map[string]MessageHandler),
	}
}

// RegisterProxy installs an upstream route spec.
func (r *Registry) RegisterProxy(spec Spec) error {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.proxies[spec.Name]; ok {
		return trace.AlreadyExists("proxy route %q already registered", spec.Name)
	}
	r.proxies[spec.Name] = spec
	r.log.Infof("Registered proxy route %v -> %v.", spec.Name, spec.URL())
	return nil
}

// UnregisterProxy removes an upstream route and any websocket handler
// registered under the same name.
func (r *Registry) UnregisterProxy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.proxies[name]; !ok {
		return trace.NotFound("proxy route %q is not registered", name)
	}
	delete(r.proxies, name)
	delete(r.handlers, name)
	r.log.Infof("Unregistered proxy route %v.", name)
	return nil
}

// LookupProxy returns the spec for a route name.
func (r *Registry) LookupProxy(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.proxies[name]
	return spec, ok
}

// ListProxies returns a name-sorted snapshot of registered routes.
func (r *Registry) ListProxies() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.proxies))
	for _, spec := range r.proxies {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterMessage installs a handler for a websocket message type.
func (r *Registry) RegisterMessage(msgType string, handler MessageHandler) error {
	if msgType == "" || handler == nil {
		return trace.BadParameter("message type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[msgType]; ok {
		return trace.AlreadyExists("handler for %q already registered", msgType)
	}
	r.handlers[msgType] = handler
	r.log.Infof("Registered message handler %v.", msgType)
	return nil
}

// UnregisterMessage removes a message handler.
func (r *Registry) UnregisterMessage(msgType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[msgType]; !ok {
		return trace.NotFound("handler for %q is not registered", msgType)
	}
	delete(r.handlers, msgType)
	r.log.Infof("Unregistered message handler %v.", msgType)
	return nil
}

// LookupMessage returns the handler for a message type.
func (r *Registry) LookupMessage(msgType string) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[msgType]
	return handler, ok
}

// ListMessages returns the sorted registered message types.
func (r *Registry) ListMessages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for msgType := range r.handlers {
		out = append(out, msgType)
	}
	sort.Strings(out)
	return out
}
