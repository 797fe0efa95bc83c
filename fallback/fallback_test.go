// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"fmt"
	"reflect"
	"testing"
)

func TestDedupFirstSightingOnly(t *testing.T) {
	dedup := NewDedup(8)
	if !dedup.Observe("msg-1") {
		t.Error("first sighting reported as duplicate")
	}
	if dedup.Observe("msg-1") {
		t.Error("second sighting reported as new")
	}
	if !dedup.Observe("msg-2") {
		t.Error("distinct id reported as duplicate")
	}
}

func TestDedupEvictsOldestAtCapacity(t *testing.T) {
	dedup := NewDedup(3)
	for i := 0; i < 3; i++ {
		dedup.Observe(fmt.Sprintf("msg-%d", i))
	}
	// msg-3 evicts msg-0.
	dedup.Observe("msg-3")
	if got := dedup.Len(); got != 3 {
		t.Errorf("len = %d, want capacity 3", got)
	}
	if !dedup.Observe("msg-0") {
		t.Error("evicted id still remembered")
	}
	if dedup.Observe("msg-3") {
		t.Error("recent id forgotten")
	}
}

func TestDedupDefaultCapacity(t *testing.T) {
	dedup := NewDedup(0)
	for i := 0; i < DefaultDedupCapacity+10; i++ {
		dedup.Observe(fmt.Sprintf("msg-%d", i))
	}
	if got := dedup.Len(); got != DefaultDedupCapacity {
		t.Errorf("len = %d, want %d", got, DefaultDedupCapacity)
	}
}

func TestMessageIDStableAndDistinct(t *testing.T) {
	a := MessageID("peer-1", "hello", 1700000000000)
	b := MessageID("peer-1", "hello", 1700000000000)
	if a != b {
		t.Errorf("same inputs hashed differently: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("id length = %d, want 32 hex chars", len(a))
	}

	variants := []string{
		MessageID("peer-2", "hello", 1700000000000),
		MessageID("peer-1", "hello!", 1700000000000),
		MessageID("peer-1", "hello", 1700000000001),
	}
	for _, v := range variants {
		if v == a {
			t.Errorf("variant collided with %q", a)
		}
	}
}

func TestMessageIDFieldBoundaries(t *testing.T) {
	// The separator keeps ("ab","c") and ("a","bc") apart.
	if MessageID("ab", "c", 1) == MessageID("a", "bc", 1) {
		t.Error("sender/text boundary ambiguous")
	}
}

func TestMissingPeers(t *testing.T) {
	within := []string{"self", "a", "b", "c"}
	connected := []string{"a"}

	got := MissingPeers(within, connected, "self")
	if want := []string{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("missing = %v, want %v", got, want)
	}
}

func TestMissingPeersNoneWhenFullyConnected(t *testing.T) {
	within := []string{"self", "a", "b"}
	connected := []string{"a", "b"}
	if got := MissingPeers(within, connected, "self"); got != nil {
		t.Errorf("missing = %v, want nil", got)
	}
}
