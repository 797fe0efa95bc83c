// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/syncpad-foundation/syncpad/lib/clock"
)

// LinkState is the lifecycle of one peer link.
type LinkState int

const (
	// StateNew: the link exists but signaling has not begun.
	StateNew LinkState = iota
	// StateConnecting: signaling or ICE is in progress.
	StateConnecting
	// StateConnected: the data channel is open.
	StateConnected
	// StateDisconnected: liveness lost, recovery in progress.
	StateDisconnected
	// StateFailed: recovery attempts exhausted.
	StateFailed
	// StateClosed: torn down, the link will not come back.
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// link tracks one remote peer. Fields are protected by Manager.mu;
// pion handles are safe to use outside it.
type link struct {
	peerID string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	state LinkState

	// dialer is true on the side that sent the offer. Only the dialer
	// drives ICE restarts; the answerer responds or tears down.
	dialer bool

	// remoteSet flips when the remote description lands; candidates
	// arriving earlier buffer in pendingICE.
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit

	restartAttempts int
	restartTimer    *clock.Timer

	lastPong time.Time
}
