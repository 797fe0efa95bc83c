// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"

	"github.com/syncpad-foundation/syncpad/crypto"
	"github.com/syncpad-foundation/syncpad/lib/codec"
)

// Kind discriminates envelope payloads. Receivers match exhaustively;
// an unknown kind is a decode error, not a silent skip, so protocol
// drift surfaces in logs.
type Kind string

const (
	// KindHello announces a newly joined peer to the room.
	KindHello Kind = "hello"
	// KindOffer carries an SDP offer directed at one peer.
	KindOffer Kind = "offer"
	// KindAnswer carries an SDP answer directed at one peer.
	KindAnswer Kind = "answer"
	// KindICE carries one trickled ICE candidate directed at one peer.
	KindICE Kind = "ice"
	// KindDocUpdate carries a CRDT delta or full snapshot.
	KindDocUpdate Kind = "doc-update"
	// KindAwareness carries an awareness (cursor/identity) delta.
	KindAwareness Kind = "awareness"
	// KindText carries the full document text for receivers without a
	// CRDT replica (relay fallback only).
	KindText Kind = "text"
	// KindTyping carries the ephemeral typing flag.
	KindTyping Kind = "typing"
	// KindChat carries one chat message.
	KindChat Kind = "chat"
	// KindPing and KindPong are the data-channel heartbeat.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
	// KindRekey distributes new room key material, sealed under the
	// key being retired.
	KindRekey Kind = "rekey"
	// KindControl carries host-only room authority actions.
	KindControl Kind = "room-control"
)

// knownKinds is the exhaustive set accepted by Decode.
var knownKinds = map[Kind]struct{}{
	KindHello: {}, KindOffer: {}, KindAnswer: {}, KindICE: {},
	KindDocUpdate: {}, KindAwareness: {}, KindText: {}, KindTyping: {},
	KindChat: {}, KindPing: {}, KindPong: {}, KindRekey: {}, KindControl: {},
}

// ErrUnknownKind is returned by Decode for kinds outside the protocol.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// ErrNoKey is returned by Open for a sealed envelope when the receiver
// has no room key.
var ErrNoKey = errors.New("protocol: sealed envelope but no room key")

// Envelope is the unit of exchange on both transports. Exactly one of
// Sealed and Payload is set for kinds that carry data; Ping and Pong
// carry neither.
type Envelope struct {
	Kind Kind   `cbor:"kind"`
	From string `cbor:"from"`

	// To directs the envelope at a single peer. Receivers whose id
	// does not match ignore it. Empty means broadcast.
	To string `cbor:"to,omitempty"`

	// Relayed marks an envelope already forwarded by the star hub so
	// it is never forwarded again.
	Relayed bool `cbor:"relayed,omitempty"`

	// Allow is the within-capacity peer set stamped on relay fallback
	// traffic. Receivers not in the list drop the envelope.
	Allow []string `cbor:"allow,omitempty"`

	// Sealed holds the encrypted payload when a room key is in use.
	Sealed *crypto.Box `cbor:"sealed,omitempty"`

	// Payload holds the cleartext payload in degraded (keyless) mode.
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// New builds a broadcast envelope with a cleartext payload.
func New(kind Kind, from string, payload any) (Envelope, error) {
	env := Envelope{Kind: kind, From: from}
	if payload == nil {
		return env, nil
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	env.Payload = raw
	return env, nil
}

// NewDirected builds an envelope addressed to a single peer.
func NewDirected(kind Kind, from, to string, payload any) (Envelope, error) {
	env, err := New(kind, from, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.To = to
	return env, nil
}

// DirectedAt reports whether a receiver with the given peer id should
// process this envelope.
func (e Envelope) DirectedAt(peerID string) bool {
	return e.To == "" || e.To == peerID
}

// AllowedFor reports whether the given peer id passes the fallback
// allow list. An envelope without an allow list passes everywhere.
func (e Envelope) AllowedFor(peerID string) bool {
	if len(e.Allow) == 0 {
		return true
	}
	for _, id := range e.Allow {
		if id == peerID {
			return true
		}
	}
	return false
}

// Seal moves the payload into an encrypted box under key. A nil key
// leaves the envelope in cleartext mode. Sealing an already-sealed or
// empty envelope is a no-op.
func (e *Envelope) Seal(key *crypto.Key) error {
	if key == nil || e.Sealed != nil || len(e.Payload) == 0 {
		return nil
	}
	box, err := key.Encrypt(e.Payload)
	if err != nil {
		return fmt.Errorf("sealing %s payload: %w", e.Kind, err)
	}
	e.Sealed = &box
	e.Payload = nil
	return nil
}

// Open returns the payload bytes, decrypting when sealed. A sealed
// envelope with a nil key fails with ErrNoKey; a wrong key surfaces
// crypto.ErrAuthentication. Cleartext envelopes return their payload
// regardless of key.
func (e Envelope) Open(key *crypto.Key) ([]byte, error) {
	if e.Sealed == nil {
		return e.Payload, nil
	}
	if key == nil {
		return nil, ErrNoKey
	}
	return key.Decrypt(*e.Sealed)
}

// Encode serializes the envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire-form envelope and validates its kind and sender.
// Malformed input is an error the caller logs and drops; it never
// aborts the processing of later messages.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if _, ok := knownKinds[env.Kind]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if env.From == "" {
		return Envelope{}, errors.New("protocol: envelope without sender")
	}
	return env, nil
}

// DecodePayload decodes opened payload bytes into the kind's payload
// struct.
func DecodePayload(data []byte, v any) error {
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
