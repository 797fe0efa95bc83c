// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package authority enforces who may do what in a room. The room
// creator is the sole authority for lock, end, and kick; every
// receiver validates a control message against the creator identity
// before acting on it, so a forged control from a guest is ignored on
// every peer independently. Guest capabilities come from an external
// permission store and are cached with periodic refresh.
package authority
