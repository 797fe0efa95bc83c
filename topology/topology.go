// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology decides how document, awareness, and chat traffic
// flows between peers: full mesh below the participant threshold, a
// host-hubbed star at or above it.
//
// Star relaying is strictly single hop — the host forwards each
// inbound update once, marking the envelope as relayed so it is never
// forwarded again. This loop prevention is sound only because the star
// has exactly one hub; a multi-hub topology would need a different
// scheme.
package topology

// StarThreshold is the participant count at which the room switches
// from full mesh to star. Mesh fan-out grows quadratically; five peers
// is where the per-peer upload cost starts to hurt on residential
// links.
const StarThreshold = 5

// Mode is the active routing shape.
type Mode int

const (
	// ModeMesh connects every peer to every other peer.
	ModeMesh Mode = iota
	// ModeStar connects every peer to the host only; the host relays.
	ModeStar
)

func (m Mode) String() string {
	if m == ModeStar {
		return "star"
	}
	return "mesh"
}

// ModeFor returns the routing mode for a participant count. Star
// additionally requires a resolved host: without one the room stays
// mesh regardless of size, because there is nobody to hub through.
func ModeFor(participants int, hostResolved bool) Mode {
	if participants >= StarThreshold && hostResolved {
		return ModeStar
	}
	return ModeMesh
}

// SendTargets returns the connected peers a locally originated update
// goes to: everyone in mesh, everyone when hubbing as the host, only
// the host link otherwise.
func SendTargets(mode Mode, isHost bool, hostPeerID string, connected []string) []string {
	if mode == ModeMesh || isHost {
		return connected
	}
	for _, peerID := range connected {
		if peerID == hostPeerID {
			return []string{hostPeerID}
		}
	}
	return nil // host link not up yet; fallback transport bridges the gap
}

// RelayTargets returns the peers the host forwards an inbound update
// to: every connected peer except the original sender. Only the host
// relays, only in star mode, and never for an envelope already marked
// relayed.
func RelayTargets(mode Mode, isHost bool, alreadyRelayed bool, senderPeerID string, connected []string) []string {
	if mode != ModeStar || !isHost || alreadyRelayed {
		return nil
	}
	targets := make([]string, 0, len(connected))
	for _, peerID := range connected {
		if peerID != senderPeerID {
			targets = append(targets, peerID)
		}
	}
	return targets
}

// HelloDialer reports whether the local peer initiates the connection
// to a newly announced peer. In mesh every existing member dials the
// newcomer. In star exactly one side initiates — spokes dial the host,
// never the reverse — so a membership change cannot produce two
// simultaneous offers for the same link.
func HelloDialer(mode Mode, isHost bool, newcomerPeerID, hostPeerID string) bool {
	if mode == ModeMesh {
		return true
	}
	return !isHost && newcomerPeerID == hostPeerID
}

// StaleConnections returns the direct connections a peer must tear
// down after a mode change: in star mode a non-host keeps only the
// host link. Hosts and mesh peers tear down nothing.
func StaleConnections(mode Mode, isHost bool, hostPeerID string, connected []string) []string {
	if mode != ModeStar || isHost {
		return nil
	}
	stale := make([]string, 0, len(connected))
	for _, peerID := range connected {
		if peerID != hostPeerID {
			stale = append(stale, peerID)
		}
	}
	return stale
}
