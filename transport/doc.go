// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport manages the WebRTC peer links of one session: one
// PeerConnection and one data channel per remote peer, trickled ICE,
// heartbeat liveness, ICE-restart recovery with bounded backoff, and
// send-side backpressure.
//
// Signaling is not performed here. The manager emits offer, answer,
// and candidate envelopes through a callback and is fed the remote
// side's envelopes by the session, which owns the relay connection.
// Connection roles follow the hello pattern: the peer that learns of a
// newcomer dials, the newcomer answers, so the two sides never produce
// colliding offers.
package transport
