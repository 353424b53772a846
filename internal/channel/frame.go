// Package channel maintains the single persistent WebSocket per peer
// that carries all inter-agent traffic: request/reply frames with
// correlation ids, fire-and-forget pushes, keepalive pings, automatic
// reconnect with exponential backoff, and newer-wins resolution when
// both sides dial at once.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// frame is one JSON message on the wire. A Request carries id + type,
// a Reply carries the same id with type "reply" and ok, a Push
// carries type only.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const replyType = "reply"

func (f *frame) isReply() bool   { return f.Type == replyType }
func (f *frame) isRequest() bool { return !f.isReply() && f.ID != "" }

func requestFrame(id, typ string, payload any) (frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return frame{ID: id, Type: typ, Payload: raw}, nil
}

func pushFrame(typ string, payload any) (frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return frame{Type: typ, Payload: raw}, nil
}

func okReply(id string, payload any) (frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return frame{}, fmt.Errorf("marshal reply payload: %w", err)
	}
	ok := true
	return frame{ID: id, Type: replyType, OK: &ok, Payload: raw}, nil
}

func errReply(id, msg string) frame {
	ok := false
	return frame{ID: id, Type: replyType, OK: &ok, Error: msg}
}

// newRequestID returns a 128-bit random hex string.
func newRequestID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("channel: request id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
