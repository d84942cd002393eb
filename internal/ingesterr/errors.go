// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingesterr defines the sentinel error taxonomy shared across the
// ingestion pipeline, rate limiter, and queue backends. Components return
// one of these (possibly wrapped) so the request loop can translate it into
// an HTTP status without per-callsite string matching.
package ingesterr

import (
	"errors"
	"fmt"
)

// Sentinel errors, grouped by the taxonomy in the design: client errors
// (4xx), backpressure, transient backend failures, and fatal backend
// failures.
var (
	// ErrMalformedRequest covers bad request lines, headers, or a body that
	// isn't valid JSON.
	ErrMalformedRequest = errors.New("ingest: malformed request")

	// ErrSchemaViolation covers a well-formed JSON body that fails metric
	// batch validation.
	ErrSchemaViolation = errors.New("ingest: schema violation")

	// ErrMissingClientID is returned when the Authorization header is absent
	// or empty.
	ErrMissingClientID = errors.New("ingest: missing client identifier")

	// ErrRateLimited is returned when the sliding-window limiter denies a
	// request.
	ErrRateLimited = errors.New("ingest: rate limit exceeded")

	// ErrQueueFull is the backpressure error: the async-writer queue stayed
	// full for longer than the producer timeout.
	ErrQueueFull = errors.New("ingest: writer queue full")

	// ErrBrokerUnavailable covers transient backend errors (queue-full or
	// timeout signaled by the broker client) that the writer retries with a
	// bounded budget before giving up.
	ErrBrokerUnavailable = errors.New("ingest: broker temporarily unavailable")

	// ErrBackendIO covers fatal backend errors: local filesystem I/O
	// failure, or a broker client reporting unrecoverable state.
	ErrBackendIO = errors.New("ingest: backend io failure")

	// ErrConnectionClosed marks a protocol-level failure (socket read/write
	// error mid-request); the connection is closed silently and is not
	// counted as a client error.
	ErrConnectionClosed = errors.New("ingest: connection closed")

	// ErrWriterClosed is returned by the async writer once shutdown has
	// begun; callers should treat it like ErrQueueFull.
	ErrWriterClosed = errors.New("ingest: writer closed")
)

// IsClientError reports whether err is one of the 4xx-class sentinels.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedRequest) ||
		errors.Is(err, ErrSchemaViolation) ||
		errors.Is(err, ErrMissingClientID) ||
		errors.Is(err, ErrRateLimited)
}

// Classify returns a short label for err, suitable as a metrics/log field.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMalformedRequest):
		return "malformed_request"
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, ErrMissingClientID):
		return "missing_client_id"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrBrokerUnavailable):
		return "broker_unavailable"
	case errors.Is(err, ErrBackendIO):
		return "backend_io"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrWriterClosed):
		return "writer_closed"
	default:
		return "other"
	}
}

// Wrap attaches component/operation context to err while preserving it for
// errors.Is/As against the sentinels above.
func Wrap(err error, component, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", component, operation, err)
}
