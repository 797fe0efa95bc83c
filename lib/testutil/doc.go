// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel assertion helpers shared by engine
// tests. The helpers wrap select-with-timeout so individual tests do
// not hand-roll time.After safety valves.
package testutil
