// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire message model shared by the direct
// data-channel transport and the relay fallback: a tagged envelope with
// an exhaustive set of kinds, CBOR-encoded, optionally sealed by the
// crypto layer.
//
// Routing fields (kind, from, to, relayed, allow) stay in the clear so
// the star hub can relay without holding the room key in the fast path;
// the payload is what gets sealed.
package protocol
