// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"math/rand"
	"testing"

	"github.com/syncpad-foundation/syncpad/lib/codec"
)

// capture wires a replica so every local edit's delta is collected.
func capture(actor string) (*Doc, *[][]byte) {
	doc := NewDoc(actor)
	deltas := &[][]byte{}
	doc.OnUpdate(func(encoded []byte) {
		*deltas = append(*deltas, encoded)
	})
	return doc, deltas
}

func applyAll(t *testing.T, doc *Doc, deltas [][]byte) {
	t.Helper()
	for _, delta := range deltas {
		if err := doc.ApplyDelta(delta); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
	}
}

func TestInsertAndDelete(t *testing.T) {
	doc := NewDoc("a")
	doc.Insert(0, "hello world")
	doc.Delete(5, 6)
	doc.Insert(5, "!")

	if got := doc.Text(); got != "hello!" {
		t.Errorf("text = %q, want %q", got, "hello!")
	}
	if got := doc.Len(); got != 6 {
		t.Errorf("len = %d, want 6", got)
	}
}

func TestInsertClampsIndex(t *testing.T) {
	doc := NewDoc("a")
	doc.Insert(100, "end")
	doc.Insert(-5, "start ")
	if got := doc.Text(); got != "start end" {
		t.Errorf("text = %q, want %q", got, "start end")
	}
}

func TestSetTextReplicates(t *testing.T) {
	source, deltas := capture("a")
	mirror := NewDoc("b")

	source.SetText("the quick brown fox")
	source.SetText("the slow brown fox")
	source.SetText("a slow brown fox jumps")

	applyAll(t, mirror, *deltas)
	if got, want := mirror.Text(), source.Text(); got != want {
		t.Errorf("mirror = %q, want %q", got, want)
	}
}

func TestSetTextKeepsCommonAffixes(t *testing.T) {
	doc, deltas := capture("a")
	doc.SetText("hello world")
	before := len(*deltas)

	// Only "world" -> "there" differs; the delta must not rewrite the
	// shared "hello " prefix.
	doc.SetText("hello there")

	var edit delta
	if err := codec.Unmarshal((*deltas)[before], &edit); err != nil {
		t.Fatalf("decoding delta: %v", err)
	}
	deletes, inserts := 0, 0
	for _, operation := range edit.Ops {
		if operation.Type == opDelete {
			deletes++
		} else {
			inserts++
		}
	}
	if deletes != 5 || inserts != 5 {
		t.Errorf("ops = %d deletes + %d inserts, want 5+5 for the changed run only", deletes, inserts)
	}
}

// TestConvergenceUnderShuffleAndDuplication drives three replicas with
// concurrent edits, then delivers every delta to every replica in a
// different random order with duplicates. All replicas must converge
// to the same text.
func TestConvergenceUnderShuffleAndDuplication(t *testing.T) {
	docA, deltasA := capture("alice")
	docB, deltasB := capture("bob")
	docC, deltasC := capture("carol")

	docA.Insert(0, "shared notes\n")
	docB.Insert(0, "agenda: ")
	docC.Insert(0, "[draft] ")
	docA.SetText("shared notes\nitem one")
	docB.Delete(0, 3)
	docC.Insert(2, "rough ")

	var all [][]byte
	all = append(all, *deltasA...)
	all = append(all, *deltasB...)
	all = append(all, *deltasC...)

	rng := rand.New(rand.NewSource(42))
	for i, doc := range []*Doc{docA, docB, docC} {
		delivery := make([][]byte, 0, len(all)*2)
		delivery = append(delivery, all...)
		// Duplicate a random half of the stream.
		for _, delta := range all {
			if rng.Intn(2) == 0 {
				delivery = append(delivery, delta)
			}
		}
		rng.Shuffle(len(delivery), func(x, y int) {
			delivery[x], delivery[y] = delivery[y], delivery[x]
		})
		applyAll(t, doc, delivery)
		_ = i
	}

	textA, textB, textC := docA.Text(), docB.Text(), docC.Text()
	if textA != textB || textB != textC {
		t.Fatalf("replicas diverged:\n alice %q\n bob   %q\n carol %q", textA, textB, textC)
	}
}

func TestDeleteArrivingBeforeInsert(t *testing.T) {
	source, deltas := capture("a")
	source.Insert(0, "x")
	source.Delete(0, 1)

	insertDelta, deleteDelta := (*deltas)[0], (*deltas)[1]

	late := NewDoc("b")
	if err := late.ApplyDelta(deleteDelta); err != nil {
		t.Fatalf("early delete: %v", err)
	}
	if err := late.ApplyDelta(insertDelta); err != nil {
		t.Fatalf("late insert: %v", err)
	}
	if got := late.Text(); got != "" {
		t.Errorf("text = %q, want empty: buffered delete must tombstone the late insert", got)
	}
}

func TestConcurrentInsertSamePoint(t *testing.T) {
	docA, deltasA := capture("alice")
	docB, deltasB := capture("bob")

	// Both insert at the empty document's only position.
	docA.Insert(0, "AAA")
	docB.Insert(0, "BBB")

	applyAll(t, docA, *deltasB)
	applyAll(t, docB, *deltasA)

	if docA.Text() != docB.Text() {
		t.Fatalf("diverged: %q vs %q", docA.Text(), docB.Text())
	}
	if got := docA.Len(); got != 6 {
		t.Errorf("len = %d, want 6 (no character lost)", got)
	}
}

func TestDenseInsertionGrowsDepth(t *testing.T) {
	doc := NewDoc("a")
	doc.Insert(0, "ab")
	// Repeatedly splitting the same gap forces position identifiers to
	// descend levels; ordering must stay strict throughout.
	for i := 0; i < 64; i++ {
		doc.Insert(1, "x")
	}
	if got := doc.Len(); got != 66 {
		t.Errorf("len = %d, want 66", got)
	}
	text := doc.Text()
	if text[0] != 'a' || text[len(text)-1] != 'b' {
		t.Errorf("boundary characters moved: %q", text)
	}
}

func TestAllocBetweenStrict(t *testing.T) {
	cases := []struct {
		left, right Position
	}{
		{nil, nil},
		{Position{5}, nil},
		{nil, Position{5}},
		{Position{5}, Position{6}},
		{Position{5}, Position{5, 1}},
		{Position{5, 3}, Position{6}},
		{Position{0}, Position{1}},
		{Position{maxDigit - 1}, nil},
	}
	for _, c := range cases {
		got := allocBetween(c.left, c.right)
		if c.left != nil && comparePositions(got, c.left) <= 0 {
			t.Errorf("allocBetween(%v, %v) = %v, not after left", c.left, c.right, got)
		}
		if c.right != nil && comparePositions(got, c.right) >= 0 {
			t.Errorf("allocBetween(%v, %v) = %v, not before right", c.left, c.right, got)
		}
	}
}

func TestSnapshotBootstrap(t *testing.T) {
	source := NewDoc("a")
	source.Insert(0, "persistent text")
	source.Delete(0, 3)
	source.Insert(0, "the ")

	snap, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	joiner := NewDoc("b")
	if err := joiner.ApplySnapshot(snap); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if got, want := joiner.Text(), source.Text(); got != want {
		t.Errorf("joiner = %q, want %q", got, want)
	}

	// A snapshot re-applied changes nothing.
	if err := joiner.ApplySnapshot(snap); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if got, want := joiner.Text(), source.Text(); got != want {
		t.Errorf("after re-apply = %q, want %q", got, want)
	}
}

func TestSnapshotUnionsDeletions(t *testing.T) {
	source, deltas := capture("a")
	source.Insert(0, "abc")

	// The mirror saw the insert but will miss the delete.
	mirror := NewDoc("b")
	applyAll(t, mirror, *deltas)

	source.Delete(1, 1)
	snap, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := mirror.ApplySnapshot(snap); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if got := mirror.Text(); got != "ac" {
		t.Errorf("mirror = %q, want %q (deletion carried by snapshot)", got, "ac")
	}
}

func TestSnapshotThenLocalEditsDoNotCollide(t *testing.T) {
	source := NewDoc("shared-actor")
	source.Insert(0, "seed")
	snap, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// A restart re-imports its own history under the same actor id;
	// fresh edits must allocate past the imported sequence numbers.
	restarted := NewDoc("shared-actor")
	if err := restarted.ApplySnapshot(snap); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	restarted.Insert(4, "ling")
	if got := restarted.Text(); got != "seedling" {
		t.Errorf("text = %q, want %q", got, "seedling")
	}
	if got := len(restarted.index); got != 8 {
		t.Errorf("replica holds %d ids, want 8 distinct", got)
	}
}
