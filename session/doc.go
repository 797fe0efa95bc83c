// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package session ties the engine together: one Session owns the relay
// connection, the peer links, the document and awareness replicas, the
// room authority cache, and the encryption state for a single room
// membership. There is no package-level mutable state; two sessions in
// one process do not share anything.
//
// Concurrency follows one rule: every externally driven entry point
// (relay callback, peer link callback, timer, public method) takes the
// session mutex before touching shared state, which serializes the
// engine the way a single event loop would.
package session
