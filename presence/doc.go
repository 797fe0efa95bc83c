// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence derives room membership decisions from the relay's
// presence state: effective capacity, admission order, host identity,
// and the join gate.
//
// Everything here is a pure function of one presence snapshot plus the
// room metadata. That is the whole design: every peer runs the same
// computation on the same snapshot and converges on the same allow
// list without a negotiation round. Peers may disagree transiently
// while a presence change propagates; convergence is eventual, not
// instantaneous.
package presence
