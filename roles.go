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

package wiregate

// Role is the authorization role carried in bearer credentials.
type Role string

const (
	// RoleUser is the default role assigned at registration
	RoleUser Role = "user"

	// RoleAdmin may manage the dynamic registry and send any
	// websocket message type
	RoleAdmin Role = "admin"
)

// Check returns an error-free boolean validity check for a role string.
func (r Role) Check() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	}
	return false
}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// userActions is the closed set of websocket message types the default
// role may send. Admins may send anything.
var userActions = map[string]bool{
	WSTypeUpdateAPIKey: true,
	WSTypeChatMessage:  true,
	WSTypePing:         true,
	WSTypePong:         true,
}

// Allows reports whether the role may perform the given action.
// Unknown roles are allowed nothing.
func (r Role) Allows(action string) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleUser:
		return userActions[action]
	}
	return false
}
