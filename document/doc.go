// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package document implements the shared text replica and the
// ephemeral awareness map.
//
// The text is a position-based replicated sequence: every character
// carries a globally unique id and a dense position identifier, so a
// remote delta merges by sorted insertion with no coordination. Merge
// is commutative, associative, and idempotent — deltas may arrive out
// of order, more than once, over more than one transport, and the
// replicas still converge byte for byte.
//
// Awareness (cursors, identity, typing) replicates separately from the
// document. Entries are never deleted; readers filter by recency.
package document
