package core

import (
	"errors"
	"fmt"
)

// ValidationError is a malformed input: a bad spec field, a bad
// settings value, a name collision. Surfaced as 400 to REST callers
// and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// AdmissionError is a policy rejection from the admission pipeline.
// Reason is one of the stable machine-readable reason strings
// (inbound_disabled, image_blocked, global_quota_exceeded(field), …).
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string { return e.Reason }

// TrustError is an authentication failure: invalid invite token,
// fingerprint mismatch, unknown CA at upgrade time.
type TrustError struct {
	Reason string
	Peer   string
}

func (e *TrustError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s (peer %s)", e.Reason, e.Peer)
	}
	return e.Reason
}

// NotFoundError identifies a missing peer, app or notification.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError is a uniqueness violation, e.g. a peer name or
// fingerprint already taken.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
}

// Transport error kinds for Channel.Send. These are sentinels so
// callers can branch with errors.Is.
var (
	ErrChannelDown = errors.New("channel_down")
	ErrTimeout     = errors.New("timeout")
	ErrCancelled   = errors.New("cancelled")
)

// RemoteError carries an error string returned by the peer in a reply
// frame with ok=false.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Msg }

// IsTransport reports whether err is one of the channel transport
// failures that the reconciler defers and retries.
func IsTransport(err error) bool {
	return errors.Is(err, ErrChannelDown) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCancelled)
}
