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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/wiregate/wiregate"
)

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, r, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads HTTP json request and unmarshals it
// into passed interface{} obj
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request: %v", err.Error())
	}
	return nil
}

// ErrorEnvelope is the uniform error response body returned by every
// request-scoped failure.
type ErrorEnvelope struct {
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
}

// ReplyError maps an error to its HTTP status and writes the uniform
// error envelope to writer w
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := "Internal error"
	switch {
	case wiregate.IsAuthError(err):
		status = http.StatusUnauthorized
		kind = "Authentication failed"
	case wiregate.IsSessionMismatchError(err):
		status = http.StatusBadRequest
		kind = "Session mismatch"
	case wiregate.IsRateLimitError(err):
		status = http.StatusTooManyRequests
		kind = "Rate limit exceeded"
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
		kind = "Access denied"
	case trace.IsNotFound(err):
		status = http.StatusNotFound
		kind = "Not found"
	case trace.IsAlreadyExists(err):
		status = http.StatusBadRequest
		kind = "Conflict"
	case trace.IsBadParameter(err):
		status = http.StatusBadRequest
		kind = "Bad request"
	case trace.IsConnectionProblem(err):
		status = http.StatusServiceUnavailable
		kind = "Upstream unavailable"
	}
	if upstreamErr, ok := wiregate.IsUpstreamError(err); ok {
		kind = upstreamErr.Code
		if upstreamErr.Code == "CIRCUIT_BREAKER_OPEN" {
			status = http.StatusServiceUnavailable
		} else {
			status = http.StatusBadGateway
		}
	}
	roundtrip.ReplyJSON(w, status, ErrorEnvelope{
		Error:      kind,
		Detail:     trace.UserMessage(err),
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       r.URL.Path,
	})
}
