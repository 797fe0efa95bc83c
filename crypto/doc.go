// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the symmetric encryption layer for room
// traffic: AES-256-GCM under a key derived from shared room key
// material, with live rotation via rekey envelopes sealed under the
// outgoing key.
//
// Key material travels out-of-band (the room invite) or inside a rekey
// message; it is never written to disk. A session without a key runs in
// explicit cleartext mode — the engine degrades, it does not refuse.
//
// The package also provides age-based sealing for exported document
// snapshots, so a host can hand a snapshot to specific recipients
// without exposing it to the relay.
package crypto
