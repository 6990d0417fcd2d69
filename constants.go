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

// Package wiregate contains constants shared across the gateway codebase.
package wiregate

// ComponentKey is the name of the log field the component is set under.
const ComponentKey = "component"

// Component names used as logging fields so that log output can be
// filtered per subsystem.
const (
	// ComponentKV is the key-value client and pub/sub bus
	ComponentKV = "wiregate:kv"

	// ComponentAuth is the credential service and auth gate
	ComponentAuth = "wiregate:auth"

	// ComponentUsers is the user store
	ComponentUsers = "wiregate:users"

	// ComponentSession is the session store
	ComponentSession = "wiregate:session"

	// ComponentConnTrack is the connection tracker
	ComponentConnTrack = "wiregate:conntrack"

	// ComponentReaper is the periodic sweeper of expired state
	ComponentReaper = "wiregate:reaper"

	// ComponentWeb is the HTTP API server
	ComponentWeb = "wiregate:web"

	// ComponentWebsocket is the websocket engine
	ComponentWebsocket = "wiregate:websocket"

	// ComponentRegistry is the dynamic route/handler registry
	ComponentRegistry = "wiregate:registry"

	// ComponentForward is the upstream forwarder
	ComponentForward = "wiregate:forward"
)

// Websocket close codes used by the engine. 1008 is the policy violation
// code mandated for session mismatch, auth failure and health timeouts.
const (
	// WebsocketCloseNormal is a clean close initiated by the gateway,
	// e.g. when a newer login supersedes the session.
	WebsocketCloseNormal = 1000

	// WebsocketClosePolicyViolation covers session mismatch, token
	// failures, pong timeouts and inactivity timeouts.
	WebsocketClosePolicyViolation = 1008
)

// Server to client websocket frame types.
const (
	// WSTypeConnected is the welcome frame sent right after accept
	WSTypeConnected = "connected"

	// WSTypePing is an application level liveness probe
	WSTypePing = "ping"

	// WSTypePong answers a client ping
	WSTypePong = "pong"

	// WSTypeAck acknowledges an idempotent client intent
	WSTypeAck = "ack"

	// WSTypeError reports a per-message failure without closing
	WSTypeError = "error"
)

// Built-in client to server message types.
const (
	// WSTypeUpdateAPIKey stores an application key in the session bag
	WSTypeUpdateAPIKey = "update_api_key"

	// WSTypeChatMessage is a plain chat payload forwarded upstream
	WSTypeChatMessage = "chat_message"
)
