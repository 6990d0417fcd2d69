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

package breaker

import (
	"net/http"
)

// RoundTripper wraps a http.RoundTripper with a CircuitBreaker. Only
// transport-level failures count against the breaker; responses with
// error status codes pass through untouched.
type RoundTripper struct {
	tripper http.RoundTripper
	cb      *CircuitBreaker
}

// NewRoundTripper returns a RoundTripper guarding tripper with cb.
// A nil tripper falls back to http.DefaultTransport.
func NewRoundTripper(cb *CircuitBreaker, tripper http.RoundTripper) *RoundTripper {
	if tripper == nil {
		tripper = http.DefaultTransport
	}
	return &RoundTripper{
		tripper: tripper,
		cb:      cb,
	}
}

// RoundTrip forwards the request to the wrapped http.RoundTripper if
// the CircuitBreaker allows it.
func (t *RoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	var response *http.Response
	err := t.cb.Execute(func() error {
		var err error
		response, err = t.tripper.RoundTrip(request)
		return err
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}
