// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorMarker prefixes every failed response returned by Service.Send.
const ErrorMarker = "**ERROR**"

// Sentinel errors.
var (
	// ErrRateLimited indicates the backend answered HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotConfigured indicates a backend is missing required settings.
	ErrNotConfigured = errors.New("llm backend not configured")
)

// rateLimitIndicators are substrings that mark a response as rate limited.
var rateLimitIndicators = []string{
	"rate_limit_exceeded",
	"Request too large",
	"tokens per minute",
	"TPM",
	"reduce your message size",
}

// IsRateLimit reports whether a model response signals a rate or size limit.
func IsRateLimit(response string) bool {
	for _, ind := range rateLimitIndicators {
		if strings.Contains(response, ind) {
			return true
		}
	}
	return false
}

// IsErrorResponse reports whether a response is an error-marked failure.
func IsErrorResponse(response string) bool {
	return strings.HasPrefix(strings.TrimSpace(response), ErrorMarker)
}

// TransportError is an HTTP-level failure inside a backend.
type TransportError struct {
	Backend string
	Status  int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Backend)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// errorResponse renders err as an error-marked response string. A rate limit
// that survived every retry always carries the rate_limit_exceeded indicator.
func errorResponse(err error) string {
	msg := err.Error()
	if errors.Is(err, ErrRateLimited) && !IsRateLimit(msg) {
		return ErrorMarker + ": rate_limit_exceeded: " + msg
	}
	return ErrorMarker + ": " + msg
}

// isRetryable determines if an error should trigger a retry.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		// Status 0 means the request never got an answer.
		return te.Status == 0 || (te.Status >= 500 && te.Status < 600)
	}
	return false
}
