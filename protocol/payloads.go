// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// HelloPayload announces a joining peer. Existing members respond by
// initiating an offer toward the sender.
type HelloPayload struct {
	// UserID is the authenticated user behind the peer, empty for
	// anonymous participants. Used for host resolution.
	UserID string `cbor:"user_id,omitempty"`

	// CapacityHint is the host-declared room capacity. Only the room
	// creator's hint is authoritative; others are ignored.
	CapacityHint int `cbor:"capacity_hint,omitempty"`

	// DisplayName seeds the sender's awareness entry before the first
	// awareness delta arrives.
	DisplayName string `cbor:"display_name,omitempty"`
}

// OfferPayload carries a complete or restart SDP offer.
type OfferPayload struct {
	SDP string `cbor:"sdp"`

	// Restart marks an ICE-restart offer applied to the existing
	// connection record rather than a fresh one.
	Restart bool `cbor:"restart,omitempty"`
}

// AnswerPayload carries an SDP answer.
type AnswerPayload struct {
	SDP string `cbor:"sdp"`
}

// ICEPayload carries one trickled ICE candidate.
type ICEPayload struct {
	Candidate     string  `cbor:"candidate"`
	SDPMid        *string `cbor:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `cbor:"sdp_mline_index,omitempty"`
}

// DocUpdatePayload carries a CRDT delta, or a full snapshot when a
// peer first synchronizes. Update is base64 because the payload also
// travels over the JSON-framed relay.
type DocUpdatePayload struct {
	Update   string `cbor:"update"`
	Snapshot bool   `cbor:"snapshot,omitempty"`
}

// AwarenessPayload carries an encoded awareness delta, base64 for the
// same reason as DocUpdatePayload.
type AwarenessPayload struct {
	Update string `cbor:"update"`
}

// TextPayload carries the entire document text. Fallback for receivers
// that have not yet synchronized a CRDT replica.
type TextPayload struct {
	Text string `cbor:"text"`
}

// TypingPayload carries the ephemeral typing indicator.
type TypingPayload struct {
	Typing bool `cbor:"typing"`
}

// ChatPayload carries one chat message. ID is stable across transports
// so duplicate deliveries collapse to one display.
type ChatPayload struct {
	ID        string `cbor:"id"`
	Text      string `cbor:"text"`
	Timestamp int64  `cbor:"ts"` // unix milliseconds
}

// RekeyPayload carries new room key material in base64. The envelope
// around it is always sealed under the key being retired.
type RekeyPayload struct {
	KeyMaterial string `cbor:"key_material"`
}

// ControlAction enumerates host-only room authority operations.
type ControlAction string

const (
	ControlLock   ControlAction = "lock"
	ControlUnlock ControlAction = "unlock"
	ControlEnd    ControlAction = "end"
	ControlKick   ControlAction = "kick"
)

// ControlPayload carries a room authority action. Receivers validate
// SenderUserID against the room's creator before acting; control
// messages from anyone else are ignored outright.
type ControlPayload struct {
	Action       ControlAction `cbor:"action"`
	SenderUserID string        `cbor:"sender_user_id"`

	// TargetPeerID identifies the peer being kicked. Unused by other
	// actions.
	TargetPeerID string `cbor:"target_peer_id,omitempty"`
}
