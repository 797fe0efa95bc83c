// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for every wire payload
// in the engine: signaling envelopes, CRDT deltas, awareness updates,
// and document snapshots. Encoding is deterministic so that identical
// logical payloads produce identical bytes on every peer.
package codec
