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

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// AuthError indicates a missing, malformed or expired credential.
// The HTTP edge renders it as 401; role failures use trace.AccessDenied
// and render as 403.
type AuthError struct {
	// Message describes what went wrong with the credential
	Message string
}

// Error returns the error message.
func (e *AuthError) Error() string {
	return e.Message
}

// NewAuthError returns a new credential error.
func NewAuthError(format string, args ...interface{}) error {
	return trace.Wrap(&AuthError{Message: fmt.Sprintf(format, args...)})
}

// IsAuthError returns true when err is a credential error.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(trace.Unwrap(err), &authErr)
}

// SessionMismatchError indicates that the caller supplied a session
// identifier that does not match the one tracked for the user.
type SessionMismatchError struct {
	// Expected is the session the connection record tracks
	Expected string
	// Got is the session the caller supplied
	Got string
}

// Error returns the error message.
func (e *SessionMismatchError) Error() string {
	return "session mismatch"
}

// NewSessionMismatchError returns a new session mismatch error.
func NewSessionMismatchError(expected, got string) error {
	return trace.Wrap(&SessionMismatchError{Expected: expected, Got: got})
}

// IsSessionMismatchError returns true when err is a session mismatch.
func IsSessionMismatchError(err error) bool {
	var mismatchErr *SessionMismatchError
	return errors.As(trace.Unwrap(err), &mismatchErr)
}

// RateLimitError carries a retry-after hint and renders as 429.
type RateLimitError struct {
	// Message describes the exhausted limit
	Message string
	// RetryAfterSeconds hints when the caller may try again
	RetryAfterSeconds int
}

// Error returns the error message.
func (e *RateLimitError) Error() string {
	return e.Message
}

// IsRateLimitError returns true when err is a rate limit error.
func IsRateLimitError(err error) bool {
	var limitErr *RateLimitError
	return errors.As(trace.Unwrap(err), &limitErr)
}

// UpstreamError indicates a failed upstream call. Code is
// "CIRCUIT_BREAKER_OPEN" when the breaker short-circuited the call, or
// "HTTP_<status>" for a non-retryable upstream status.
type UpstreamError struct {
	// Code classifies the upstream failure
	Code string
	// Message is the upstream failure detail
	Message string
}

// Error returns the error message.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

// NewUpstreamError returns a new upstream error with the given code.
func NewUpstreamError(code, format string, args ...interface{}) error {
	return trace.Wrap(&UpstreamError{Code: code, Message: fmt.Sprintf(format, args...)})
}

// IsUpstreamError returns the upstream error when err is one.
func IsUpstreamError(err error) (*UpstreamError, bool) {
	var upstreamErr *UpstreamError
	if errors.As(trace.Unwrap(err), &upstreamErr) {
		return upstreamErr, true
	}
	return nil, false
}
