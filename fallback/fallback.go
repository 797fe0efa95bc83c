// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package fallback keeps collaboration traffic flowing while direct
// channels are absent: updates are mirrored over the relay to the
// admitted peers that have no channel yet, and a dedup set keeps
// double delivery from surfacing twice.
package fallback

import (
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"
)

// DefaultDedupCapacity bounds the seen-id set. Two thousand entries
// cover minutes of busy chat; beyond that a duplicate would have to be
// very late to slip through, and a stray duplicate line is preferable
// to unbounded memory.
const DefaultDedupCapacity = 2048

// Dedup is a bounded first-in-first-out set of seen message ids. It
// gives at-most-once display when the same message arrives over both
// the direct channel and the relay.
type Dedup struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
}

// NewDedup creates a dedup set. A non-positive capacity gets the
// default.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Dedup{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Observe records an id and reports whether this is its first
// sighting. When the set is full the oldest id is evicted.
func (d *Dedup) Observe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}
	if len(d.order) == d.capacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}

// Len returns the number of ids currently held.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// MessageID derives a stable chat message id from the sender, text,
// and millisecond timestamp, for senders that do not supply their own.
// The same message hashes to the same id on every transport, which is
// what makes the dedup set effective.
func MessageID(sender, text string, timestampMillis int64) string {
	hasher := blake3.New()
	hasher.Write([]byte(sender))
	hasher.Write([]byte{0})
	hasher.Write([]byte(text))
	hasher.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMillis))
	hasher.Write(ts[:])
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// MissingPeers returns the admitted peers that traffic cannot reach
// directly: everyone in the within-capacity set, except ourselves and
// the peers with a live channel. A non-empty result means the update
// must also go over the relay.
func MissingPeers(within []string, connected []string, selfPeerID string) []string {
	reachable := make(map[string]struct{}, len(connected)+1)
	reachable[selfPeerID] = struct{}{}
	for _, peerID := range connected {
		reachable[peerID] = struct{}{}
	}

	var missing []string
	for _, peerID := range within {
		if _, ok := reachable[peerID]; !ok {
			missing = append(missing, peerID)
		}
	}
	return missing
}
