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

// Package utils implements shared helpers used across the gateway
package utils

import (
	"sync"
)

// CloseBroadcaster implements a closable channel that
// broadcasts a close signal to any number of listeners
type CloseBroadcaster struct {
	sync.Once
	// C is a channel closed on Close
	C chan struct{}
}

// NewCloseBroadcaster returns new instance of close broadcaster
func NewCloseBroadcaster() *CloseBroadcaster {
	return &CloseBroadcaster{
		C: make(chan struct{}),
	}
}

// Close closes the channel exactly once
func (b *CloseBroadcaster) Close() error {
	b.Do(func() {
		close(b.C)
	})
	return nil
}
