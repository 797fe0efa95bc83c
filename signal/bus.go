// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"

	"github.com/syncpad-foundation/syncpad/protocol"
)

// PresenceMeta is one peer's presence record as mirrored from the
// relay. The relay owns the lifetime: the record appears on track and
// vanishes when the peer's relay connection drops.
type PresenceMeta struct {
	// PeerID is the ephemeral session identifier.
	PeerID string `json:"peer_id" cbor:"peer_id"`

	// JoinedAt is the relay-assigned join timestamp in unix
	// milliseconds, the primary admission ordering key.
	JoinedAt int64 `json:"joined_at" cbor:"joined_at"`

	// UserID is the authenticated user, empty for anonymous peers.
	UserID string `json:"user_id,omitempty" cbor:"user_id,omitempty"`

	// CapacityHint is the declared room capacity. Only the room
	// creator's hint carries authority.
	CapacityHint int `json:"capacity_hint,omitempty" cbor:"capacity_hint,omitempty"`
}

// Bus is the engine's view of the relay service. Implementations must
// deliver envelopes in publish order per connection and may deliver
// more than once; receivers are idempotent by design.
//
// Handlers and sync callbacks are invoked sequentially from a single
// dispatch goroutine per Bus.
type Bus interface {
	// Publish broadcasts an envelope to every other subscriber of the
	// room channel. The publisher does not receive its own envelopes.
	Publish(ctx context.Context, env protocol.Envelope) error

	// SetHandler registers the envelope delivery callback. Must be
	// called before Track so no early message is lost.
	SetHandler(handler func(protocol.Envelope))

	// Track registers the local peer in room presence and triggers a
	// sync on every subscriber.
	Track(ctx context.Context, meta PresenceMeta) error

	// Untrack removes the local peer from room presence.
	Untrack(ctx context.Context) error

	// Presence returns the current membership snapshot.
	Presence() []PresenceMeta

	// OnPresenceSync registers the membership-change callback.
	OnPresenceSync(callback func())

	// Close tears down the relay connection. Idempotent.
	Close() error
}
