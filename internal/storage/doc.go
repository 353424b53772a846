package storage

import "github.com/porpulsion/porpulsion-agent/internal/core"

// SensitiveDoc is the JSON schema of the Secret-backed blob. The
// credential store owns the key material and invite token; the state
// registry owns the peers section. Both mutate through Blob.Update so
// concurrent writes to different sections cannot lose each other.
type SensitiveDoc struct {
	CAPEM       string      `json:"ca_pem"`
	CAKey       string      `json:"ca_key"`
	LeafPEM     string      `json:"leaf_pem"`
	LeafKey     string      `json:"leaf_key"`
	InviteToken string      `json:"invite_token"`
	Peers       []core.Peer `json:"peers"`
}

// StateDoc is the JSON schema of the ConfigMap-backed blob. Executing
// apps are deliberately absent: the reconciler reconstructs them from
// the Deployments carrying the porpulsion label.
type StateDoc struct {
	Submitted       []core.RemoteApp       `json:"submitted"`
	PendingApproval []core.PendingApproval `json:"pending_approval"`
	Settings        core.Settings          `json:"settings"`
	Notifications   []core.Notification    `json:"notifications"`
}
