// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the collaboration engine. Heartbeat
// loops, signaling retry backoff, and the capability poller all run on
// timers; injecting a Clock lets tests drive them deterministically
// with Fake instead of sleeping through real intervals.
package clock
