// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"errors"
	"strconv"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// Kind classifies client failures into a stable, finite set so callers
// can choose generic vs. specific copy without parsing message strings.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConnection: server unreachable (refused, DNS, reset).
	// Recoverable by retry or reconfiguration.
	KindConnection

	// KindRequest: server reachable but rejected the request with a
	// non-2xx status.
	KindRequest

	// KindProtocol: a 2xx response whose body did not match the
	// expected framing. Indicates a server/client version mismatch.
	KindProtocol

	// KindServer: the server explicitly reported an error payload.
	KindServer
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindRequest:
		return "request"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// ClientError represents a classified failure from the inference client.
// Cancellation is never represented as a ClientError.
type ClientError struct {
	Kind    Kind
	Status  int // HTTP status, set for KindRequest
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = "HTTP " + strconv.Itoa(e.Status) + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches two ClientErrors by kind, enabling errors.Is against the
// sentinel values below.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is checks.
var (
	ErrConnectionFailure = &ClientError{Kind: KindConnection, Message: "server unreachable"}
	ErrRequestFailure    = &ClientError{Kind: KindRequest, Message: "request rejected"}
	ErrProtocolFailure   = &ClientError{Kind: KindProtocol, Message: "unexpected response framing"}
	ErrServerFailure     = &ClientError{Kind: KindServer, Message: "server reported an error"}
)

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// KindOf returns the classification of err, or KindUnknown for errors
// that did not originate from the client.
func KindOf(err error) Kind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status carried by a KindRequest error, or 0.
func StatusOf(err error) int {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}

// IsConnectionFailure reports whether err is a connection failure.
func IsConnectionFailure(err error) bool { return KindOf(err) == KindConnection }

// IsRequestFailure reports whether err is a rejected request.
func IsRequestFailure(err error) bool { return KindOf(err) == KindRequest }

// IsProtocolFailure reports whether err is a framing mismatch.
func IsProtocolFailure(err error) bool { return KindOf(err) == KindProtocol }

// IsServerFailure reports whether err is an explicit server error.
func IsServerFailure(err error) bool { return KindOf(err) == KindServer }
