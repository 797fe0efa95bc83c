// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal abstracts the relay/broadcast service the engine uses
// for connection setup and fallback delivery: an ordered, at-least-once
// pub/sub bus scoped to a room, plus a presence primitive that fires a
// sync notification on membership change.
//
// The production implementation speaks the syncpad-relay websocket
// protocol; tests use an in-process relay. Sends are best-effort: the
// Sender retries with bounded backoff and then gives up silently —
// higher layers recover through their own paths (ICE restart, CRDT
// convergence).
package signal
