// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"
	"sync"
	"time"

	"github.com/syncpad-foundation/syncpad/lib/clock"
	"github.com/syncpad-foundation/syncpad/lib/codec"
)

// StaleAfter is how long an awareness entry stays visible without a
// refresh. Entries are never deleted, only aged out of reads, so a
// briefly partitioned peer reappears with its state intact.
const StaleAfter = 3 * time.Second

// CursorState is one peer's pointer position in document coordinates.
type CursorState struct {
	X         float64 `cbor:"x"`
	Y         float64 `cbor:"y"`
	Timestamp int64   `cbor:"ts"`
}

// PeerState is the ephemeral per-peer awareness payload.
type PeerState struct {
	DisplayName string       `cbor:"name,omitempty"`
	Color       string       `cbor:"color,omitempty"`
	Cursor      *CursorState `cbor:"cursor,omitempty"`
	Typing      bool         `cbor:"typing,omitempty"`
}

// awarenessWire is one peer's entry on the wire. Seq is a per-peer
// version counter: a receiver keeps the higher one, which makes merge
// order-insensitive without clocks.
type awarenessWire struct {
	Seq   uint64    `cbor:"seq"`
	State PeerState `cbor:"state"`
}

type awarenessDelta struct {
	Entries map[string]awarenessWire `cbor:"entries"`
}

type awarenessEntry struct {
	seq       uint64
	state     PeerState
	updatedAt time.Time
}

// Awareness tracks the ephemeral state of every peer in the room,
// keyed by peer id. Local mutations bump the local sequence and emit a
// delta; remote deltas merge by per-peer sequence comparison.
type Awareness struct {
	mu      sync.Mutex
	clk     clock.Clock
	selfID  string
	seq     uint64
	entries map[string]*awarenessEntry

	onUpdate func(encoded []byte)
}

// NewAwareness creates an awareness map for the local peer.
func NewAwareness(selfID string, clk clock.Clock) *Awareness {
	return &Awareness{
		clk:     clk,
		selfID:  selfID,
		entries: make(map[string]*awarenessEntry),
	}
}

// OnUpdate registers the local-change broadcast hook. The callback
// runs outside the awareness lock.
func (a *Awareness) OnUpdate(fn func(encoded []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = fn
}

// SetIdentity updates the local display name and color.
func (a *Awareness) SetIdentity(displayName, color string) {
	a.setLocal(func(state *PeerState) {
		state.DisplayName = displayName
		state.Color = color
	})
}

// SetCursor updates the local cursor position.
func (a *Awareness) SetCursor(x, y float64) {
	now := a.clk.Now().UnixMilli()
	a.setLocal(func(state *PeerState) {
		state.Cursor = &CursorState{X: x, Y: y, Timestamp: now}
	})
}

// SetTyping updates the local typing indicator.
func (a *Awareness) SetTyping(typing bool) {
	a.setLocal(func(state *PeerState) {
		state.Typing = typing
	})
}

func (a *Awareness) setLocal(mutate func(*PeerState)) {
	a.mu.Lock()
	entry, ok := a.entries[a.selfID]
	if !ok {
		entry = &awarenessEntry{}
		a.entries[a.selfID] = entry
	}
	mutate(&entry.state)
	a.seq++
	entry.seq = a.seq
	entry.updatedAt = a.clk.Now()
	encoded := a.encodeEntryLocked(a.selfID, entry)
	hook := a.onUpdate
	a.mu.Unlock()

	if hook != nil && encoded != nil {
		hook(encoded)
	}
}

// LocalDelta returns the local entry encoded for broadcast, for
// re-announcing presence on a fresh connection. Nil when nothing has
// been set yet.
func (a *Awareness) LocalDelta() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[a.selfID]
	if !ok {
		return nil
	}
	return a.encodeEntryLocked(a.selfID, entry)
}

func (a *Awareness) encodeEntryLocked(peerID string, entry *awarenessEntry) []byte {
	encoded, err := codec.Marshal(awarenessDelta{
		Entries: map[string]awarenessWire{
			peerID: {Seq: entry.seq, State: entry.state},
		},
	})
	if err != nil {
		panic("document: encoding awareness delta: " + err.Error())
	}
	return encoded
}

// ApplyDelta merges a remote awareness delta. Each entry wins only if
// its sequence is newer than what we hold for that peer, so replays
// and reordered delivery cannot roll a cursor back.
func (a *Awareness) ApplyDelta(encoded []byte) error {
	var dec awarenessDelta
	if err := codec.Unmarshal(encoded, &dec); err != nil {
		return fmt.Errorf("decoding awareness delta: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clk.Now()
	for peerID, wire := range dec.Entries {
		if peerID == a.selfID {
			continue
		}
		entry, ok := a.entries[peerID]
		if !ok {
			a.entries[peerID] = &awarenessEntry{seq: wire.Seq, state: wire.State, updatedAt: now}
			continue
		}
		if wire.Seq <= entry.seq {
			continue
		}
		entry.seq = wire.Seq
		entry.state = wire.State
		entry.updatedAt = now
	}
	return nil
}

// Active returns the awareness states refreshed within StaleAfter,
// keyed by peer id. The local entry is always included once set.
func (a *Awareness) Active() map[string]PeerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.clk.Now().Add(-StaleAfter)
	active := make(map[string]PeerState)
	for peerID, entry := range a.entries {
		if peerID != a.selfID && entry.updatedAt.Before(cutoff) {
			continue
		}
		active[peerID] = entry.state
	}
	return active
}
