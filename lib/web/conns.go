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
	"sync"
)

// socketRegistry tracks the live sockets served by this replica, one
// per user. A newer socket for the same user displaces the old one.
type socketRegistry struct {
	mu    sync.Mutex
	socks map[string]*socket
}

func newSocketRegistry() *socketRegistry {
	return &socketRegistry{socks: make(map[string]*socket)}
}

// add registers a socket and returns the displaced one, if any.
func (r *socketRegistry) add(s *socket) *socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.socks[s.userID]
	r.socks[s.userID] = s
	return old
}

// remove drops the socket only if it is still the registered one.
func (r *socketRegistry) remove(s *socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.socks[s.userID] == s {
		delete(r.socks, s.userID)
	}
}

// get returns the live socket of a user.
func (r *socketRegistry) get(userID string) (*socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.socks[userID]
	return s, ok
}

// snapshot returns all live sockets.
func (r *socketRegistry) snapshot() []*socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*socket, 0, len(r.socks))
	for _, s := range r.socks {
		out = append(out, s)
	}
	return out
}

// len returns the number of live sockets.
func (r *socketRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.socks)
}
