/*
Copyright 2025 Slotwatch Authors

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

// Package fetch defines the fetcher contract the monitor loop polls, the
// error categories a fetch can fail with, and the default web implementation
// that scrapes the public timetable page.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/appointment"
)

// Fetcher retrieves and classifies the timetable for a set of filters. A call
// either returns a complete result or an error, never both; implementations
// must not mutate shared state and must bound a single call in time.
type Fetcher interface {
	// Fetch returns the classified slots matching the filters.
	Fetch(ctx context.Context, filters appointment.Filters) (*appointment.CheckResult, error)
}

// RateLimitedError signals upstream throttling and carries the retry-after
// hint when the server provided one.
type RateLimitedError struct {
	// RetryAfter is the server-suggested wait, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return "upstream rate limited the fetch, retry after " + e.RetryAfter.String()
	}
	return "upstream rate limited the fetch"
}

// NewRateLimited wraps a rate-limit signal as a limit-exceeded trace error so
// generic handlers classify it as transient.
func NewRateLimited(retryAfter time.Duration) error {
	return trace.Wrap(&RateLimitedError{RetryAfter: retryAfter})
}

// IsRateLimited reports whether err is a rate-limit signal and returns the
// retry-after hint.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// ParseError means the page loaded but the expected structure was absent. It
// carries the inspection capture used for offline diagnosis.
type ParseError struct {
	// Message describes what was missing.
	Message string
	// Inspection is the diagnostic capture for this failure.
	Inspection *Inspection
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Message
}

// NewParseError wraps a parse failure with its inspection capture.
func NewParseError(msg string, inspection *Inspection) error {
	return trace.Wrap(&ParseError{Message: msg, Inspection: inspection})
}

// AsParseError unwraps err to a parse error, nil when it is not one.
func AsParseError(err error) *ParseError {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// IsNetworkError reports whether err is a transport-level failure: timeouts,
// DNS errors, refused connections.
func IsNetworkError(err error) bool {
	return trace.IsConnectionProblem(err)
}

// Inspection is the diagnostic record captured on a parse failure: enough to
// replay selector decisions against the page offline.
type Inspection struct {
	// Timestamp is when the failing fetch ran.
	Timestamp time.Time `json:"timestamp"`
	// URL is the fetched page.
	URL string `json:"url"`
	// SelectorsTried lists the selector families in cascade order.
	SelectorsTried []string `json:"selectors_tried"`
	// Confidence maps each family to the score it produced.
	Confidence map[string]float64 `json:"confidence"`
	// HTMLSample is a bounded snippet of the fetched page body.
	HTMLSample string `json:"html_sample,omitempty"`
}
