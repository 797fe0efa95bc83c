// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"testing"
	"time"

	"github.com/syncpad-foundation/syncpad/lib/clock"
)

func TestAwarenessLocalAndRemote(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	local := NewAwareness("peer-a", clk)
	remote := NewAwareness("peer-b", clk)

	var lastDelta []byte
	local.OnUpdate(func(encoded []byte) { lastDelta = encoded })

	local.SetIdentity("Alice", "#ff8800")
	local.SetCursor(10, 42)
	if err := remote.ApplyDelta(lastDelta); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	states := remote.Active()
	state, ok := states["peer-a"]
	if !ok {
		t.Fatal("remote does not see peer-a")
	}
	if state.DisplayName != "Alice" || state.Color != "#ff8800" {
		t.Errorf("identity = %q/%q", state.DisplayName, state.Color)
	}
	if state.Cursor == nil || state.Cursor.X != 10 || state.Cursor.Y != 42 {
		t.Errorf("cursor = %+v", state.Cursor)
	}
}

func TestAwarenessStaleSequenceIgnored(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	local := NewAwareness("peer-a", clk)
	remote := NewAwareness("peer-b", clk)

	var deltas [][]byte
	local.OnUpdate(func(encoded []byte) { deltas = append(deltas, encoded) })

	local.SetTyping(true)
	local.SetTyping(false)

	// Deliver newest first, then replay the older one.
	if err := remote.ApplyDelta(deltas[1]); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if err := remote.ApplyDelta(deltas[0]); err != nil {
		t.Fatalf("ApplyDelta replay: %v", err)
	}

	if state := remote.Active()["peer-a"]; state.Typing {
		t.Error("replayed delta rolled the typing state back")
	}
}

func TestAwarenessStaleEntriesAgeOut(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	local := NewAwareness("peer-a", clk)
	remote := NewAwareness("peer-b", clk)

	var lastDelta []byte
	local.OnUpdate(func(encoded []byte) { lastDelta = encoded })
	local.SetIdentity("Alice", "#ff8800")

	if err := remote.ApplyDelta(lastDelta); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	remote.SetIdentity("Bob", "#0088ff")

	clk.Advance(StaleAfter + time.Second)

	states := remote.Active()
	if _, ok := states["peer-a"]; ok {
		t.Error("stale remote entry still visible")
	}
	if _, ok := states["peer-b"]; !ok {
		t.Error("own entry aged out")
	}

	// A refresh brings the peer back: entries age out of reads, they
	// are not deleted.
	local.SetTyping(true)
	if err := remote.ApplyDelta(lastDelta); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := remote.Active()["peer-a"]; !ok {
		t.Error("refreshed entry not visible")
	}
}

func TestAwarenessLocalDeltaReannounce(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	local := NewAwareness("peer-a", clk)

	if got := local.LocalDelta(); got != nil {
		t.Errorf("LocalDelta before any state = %v, want nil", got)
	}

	local.SetIdentity("Alice", "#ff8800")
	announce := local.LocalDelta()
	if announce == nil {
		t.Fatal("LocalDelta after SetIdentity = nil")
	}

	remote := NewAwareness("peer-b", clk)
	if err := remote.ApplyDelta(announce); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if state := remote.Active()["peer-a"]; state.DisplayName != "Alice" {
		t.Errorf("re-announced identity = %q", state.DisplayName)
	}
}
