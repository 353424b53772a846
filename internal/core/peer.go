// Package core holds the porpulsion domain model: peers, remote apps,
// settings and notifications, plus the typed errors the other layers
// return. It depends on nothing but apimachinery's resource types so
// every component above it can be tested with fakes.
package core

import "time"

// PeerStatus tracks the peering life cycle of a remote agent record.
type PeerStatus string

const (
	PeerConnecting           PeerStatus = "connecting"
	PeerAwaitingConfirmation PeerStatus = "awaiting_confirmation"
	PeerConnected            PeerStatus = "connected"
	PeerFailed               PeerStatus = "failed"
)

// ChannelState reflects the live WebSocket channel, independent of the
// persisted peer record.
type ChannelState string

const (
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
)

// Peer is a remote agent known to this one. The CA PEM is pinned at
// handshake time and is the sole trust anchor afterwards.
type Peer struct {
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	CAPEM         string     `json:"ca_pem"`
	CAFingerprint string     `json:"ca_fingerprint"`
	Status        PeerStatus `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
}

// Validate checks the record invariants: a peer must carry a name and
// its pinned CA material.
func (p *Peer) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if p.CAPEM == "" {
		return &ValidationError{Field: "ca_pem", Message: "peer without pinned CA"}
	}
	if p.CAFingerprint == "" {
		return &ValidationError{Field: "ca_fingerprint", Message: "must not be empty"}
	}
	return nil
}
