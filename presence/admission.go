// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"errors"
	"sort"

	"github.com/syncpad-foundation/syncpad/signal"
)

// Capacity bounds. A room never admits fewer than two peers (a solo
// "collaboration" is pointless) and never more than eight (the mesh
// and the relay fallback both degrade beyond that).
const (
	MinCapacity = 2
	MaxCapacity = 8
)

// ErrRoomFull is returned by the join gate when occupancy has reached
// effective capacity.
var ErrRoomFull = errors.New("presence: room is full")

// ErrRoomLocked is returned by the join gate when the room is locked
// and the local user is not its creator.
var ErrRoomLocked = errors.New("presence: room is locked")

// Evaluation is the derived view of one presence snapshot. All fields
// are deterministic functions of the inputs, so every peer holding the
// same snapshot computes an identical Evaluation.
type Evaluation struct {
	// Capacity is the effective room capacity.
	Capacity int

	// Order is every present peer id sorted by (joinedAt, peerID).
	Order []string

	// Within is the first Capacity entries of Order — the peers that
	// count as members and may use the fallback transport.
	Within []string

	// HostPeerID is the resolved host, empty when no presence entry
	// matches the room creator. Star mode cannot activate without a
	// host.
	HostPeerID string

	// SelfWithin reports whether the local peer is in Within.
	SelfWithin bool
}

// Evaluate derives the admission view from a presence snapshot.
// creatorUserID identifies the room creator; defaultCapacity applies
// when no host is resolvable (it is clamped to the same bounds as a
// host hint, so a misconfigured default cannot widen a room).
func Evaluate(entries []signal.PresenceMeta, creatorUserID string, defaultCapacity int, selfPeerID string) Evaluation {
	evaluation := Evaluation{
		Order: AdmissionOrder(entries),
	}

	hostPeerID, hostHint, hostResolved := resolveHost(entries, creatorUserID)
	if hostResolved {
		evaluation.HostPeerID = hostPeerID
		evaluation.Capacity = clampCapacity(hostHint)
	} else {
		evaluation.Capacity = clampCapacity(defaultCapacity)
	}

	if len(evaluation.Order) <= evaluation.Capacity {
		evaluation.Within = evaluation.Order
	} else {
		evaluation.Within = evaluation.Order[:evaluation.Capacity]
	}

	for _, peerID := range evaluation.Within {
		if peerID == selfPeerID {
			evaluation.SelfWithin = true
			break
		}
	}
	return evaluation
}

// AdmissionOrder sorts present peers by (joinedAt, peerID) ascending.
// The input slice is not modified.
func AdmissionOrder(entries []signal.PresenceMeta) []string {
	sorted := make([]signal.PresenceMeta, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].JoinedAt != sorted[j].JoinedAt {
			return sorted[i].JoinedAt < sorted[j].JoinedAt
		}
		return sorted[i].PeerID < sorted[j].PeerID
	})

	order := make([]string, len(sorted))
	for index, entry := range sorted {
		order[index] = entry.PeerID
	}
	return order
}

// resolveHost finds the presence entry whose user id matches the room
// creator, smallest (joinedAt, peerID) first. Multiple entries can
// match when the creator has several tabs or sessions open; the
// earliest one is the host everywhere.
func resolveHost(entries []signal.PresenceMeta, creatorUserID string) (peerID string, capacityHint int, ok bool) {
	if creatorUserID == "" {
		return "", 0, false
	}
	var bestJoined int64
	for _, entry := range entries {
		if entry.UserID != creatorUserID {
			continue
		}
		earlier := entry.JoinedAt < bestJoined ||
			(entry.JoinedAt == bestJoined && entry.PeerID < peerID)
		if !ok || earlier {
			peerID = entry.PeerID
			capacityHint = entry.CapacityHint
			bestJoined = entry.JoinedAt
			ok = true
		}
	}
	return peerID, capacityHint, ok
}

// clampCapacity bounds a capacity hint to [MinCapacity, MaxCapacity].
func clampCapacity(hint int) int {
	if hint < MinCapacity {
		return MinCapacity
	}
	if hint > MaxCapacity {
		return MaxCapacity
	}
	return hint
}

// Gate decides whether the local peer may join. Occupancy excludes the
// local peer itself: a peer already tracked in presence re-evaluating
// the gate is a member, not a new arrival.
func Gate(entries []signal.PresenceMeta, locked bool, isCreator bool, capacity int, selfPeerID string) error {
	if locked && !isCreator {
		return ErrRoomLocked
	}

	occupancy := 0
	for _, entry := range entries {
		if entry.PeerID == selfPeerID {
			return nil // already a member
		}
		occupancy++
	}
	if occupancy >= capacity {
		return ErrRoomFull
	}
	return nil
}
