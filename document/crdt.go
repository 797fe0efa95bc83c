// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"
	"sort"
	"sync"

	"github.com/syncpad-foundation/syncpad/lib/codec"
)

// maxDigit is the exclusive upper bound of a position digit. New
// digits are allocated from the midpoint of the surrounding gap, so a
// wide digit space keeps position identifiers short under sequential
// typing.
const maxDigit = 1 << 16

// CharID identifies one character for its entire life, tombstone
// included.
type CharID struct {
	Actor string `cbor:"a"`
	Seq   uint64 `cbor:"s"`
}

// Position is a dense ordering identifier. Comparison is lexicographic
// with a shorter prefix ordering before its extensions, so a fresh
// position always fits strictly between its two neighbors.
type Position []uint32

// charRecord is one character of the replicated sequence. Deleted
// characters stay as tombstones — removing them would let a re-applied
// insert resurrect the character.
type charRecord struct {
	ID      CharID   `cbor:"id"`
	Pos     Position `cbor:"pos"`
	Ch      string   `cbor:"ch"`
	Deleted bool     `cbor:"del,omitempty"`
}

// Op kinds. Small integers keep deltas compact on the wire.
const (
	opInsert = 1
	opDelete = 2
)

// op is one replicated mutation.
type op struct {
	Type int      `cbor:"t"`
	ID   CharID   `cbor:"id"`
	Pos  Position `cbor:"pos,omitempty"`
	Ch   string   `cbor:"ch,omitempty"`
}

// delta is the wire form of a batch of ops.
type delta struct {
	Ops []op `cbor:"ops"`
}

// Doc is the shared text replica for one room session. All mutation
// goes through the insert/delete/merge entry points; the character
// sequence is never written positionally from outside.
type Doc struct {
	mu      sync.Mutex
	actor   string
	nextSeq uint64

	// chars is the full sequence, tombstones included, sorted by
	// (position, actor, seq).
	chars []*charRecord

	// index maps every known id to its record, for O(1) idempotence
	// checks and delete targeting.
	index map[CharID]*charRecord

	// pendingDeletes holds deletes that arrived before their insert.
	// The insert lands as a tombstone.
	pendingDeletes map[CharID]bool

	// onUpdate receives the encoded delta of every local edit.
	onUpdate func(encoded []byte)
}

// NewDoc creates an empty replica attributed to actor.
func NewDoc(actor string) *Doc {
	return &Doc{
		actor:          actor,
		index:          make(map[CharID]*charRecord),
		pendingDeletes: make(map[CharID]bool),
	}
}

// OnUpdate registers the local-edit broadcast hook. The callback runs
// outside the document lock.
func (d *Doc) OnUpdate(fn func(encoded []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = fn
}

// Text returns the visible document content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Doc) textLocked() string {
	var out []byte
	for _, record := range d.chars {
		if !record.Deleted {
			out = append(out, record.Ch...)
		}
	}
	return string(out)
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, record := range d.chars {
		if !record.Deleted {
			count++
		}
	}
	return count
}

// Insert places text at the given visible index (clamped to the
// document bounds) and emits one delta for the whole run.
func (d *Doc) Insert(index int, text string) {
	d.mu.Lock()
	ops := d.insertLocked(index, []rune(text))
	encoded := d.emitLocked(ops)
	d.mu.Unlock()
	d.fire(encoded)
}

// Delete removes length visible characters starting at index (both
// clamped) and emits one delta.
func (d *Doc) Delete(index, length int) {
	d.mu.Lock()
	ops := d.deleteLocked(index, length)
	encoded := d.emitLocked(ops)
	d.mu.Unlock()
	d.fire(encoded)
}

// SetText replaces the document content, expressed as the minimal
// edit against the current text: the common prefix and suffix are
// kept, the differing middle is deleted and re-inserted. One delta
// covers the whole replacement.
func (d *Doc) SetText(text string) {
	d.mu.Lock()

	oldRunes := []rune(d.textLocked())
	newRunes := []rune(text)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	var ops []op
	if removed := len(oldRunes) - prefix - suffix; removed > 0 {
		ops = append(ops, d.deleteLocked(prefix, removed)...)
	}
	if inserted := newRunes[prefix : len(newRunes)-suffix]; len(inserted) > 0 {
		ops = append(ops, d.insertLocked(prefix, inserted)...)
	}

	encoded := d.emitLocked(ops)
	d.mu.Unlock()
	d.fire(encoded)
}

// ApplyDelta merges a remote delta. Duplicate and out-of-order
// delivery are harmless: known inserts are skipped, deletes of unknown
// characters are buffered until the insert arrives.
func (d *Doc) ApplyDelta(encoded []byte) error {
	var dec delta
	if err := codec.Unmarshal(encoded, &dec); err != nil {
		return fmt.Errorf("decoding document delta: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, operation := range dec.Ops {
		switch operation.Type {
		case opInsert:
			d.integrateLocked(&charRecord{
				ID:  operation.ID,
				Pos: operation.Pos,
				Ch:  operation.Ch,
			})
		case opDelete:
			if record, ok := d.index[operation.ID]; ok {
				record.Deleted = true
			} else {
				d.pendingDeletes[operation.ID] = true
			}
		default:
			return fmt.Errorf("document delta with unknown op type %d", operation.Type)
		}
	}
	return nil
}

// insertLocked allocates positions for a run of runes and integrates
// them, returning the ops to broadcast.
func (d *Doc) insertLocked(index int, runes []rune) []op {
	if len(runes) == 0 {
		return nil
	}
	visible := d.visibleIndexesLocked()
	if index < 0 {
		index = 0
	}
	if index > len(visible) {
		index = len(visible)
	}

	var left, right Position
	if index > 0 {
		left = d.chars[visible[index-1]].Pos
	}
	if index < len(visible) {
		right = d.chars[visible[index]].Pos
	}

	ops := make([]op, 0, len(runes))
	for _, r := range runes {
		d.nextSeq++
		record := &charRecord{
			ID:  CharID{Actor: d.actor, Seq: d.nextSeq},
			Pos: allocBetween(left, right),
			Ch:  string(r),
		}
		d.integrateLocked(record)
		ops = append(ops, op{Type: opInsert, ID: record.ID, Pos: record.Pos, Ch: record.Ch})
		left = record.Pos
	}
	return ops
}

// deleteLocked tombstones a run of visible characters, returning the
// ops to broadcast.
func (d *Doc) deleteLocked(index, length int) []op {
	visible := d.visibleIndexesLocked()
	if index < 0 {
		index = 0
	}
	if index >= len(visible) || length <= 0 {
		return nil
	}
	if index+length > len(visible) {
		length = len(visible) - index
	}

	ops := make([]op, 0, length)
	for _, charIndex := range visible[index : index+length] {
		record := d.chars[charIndex]
		record.Deleted = true
		ops = append(ops, op{Type: opDelete, ID: record.ID})
	}
	return ops
}

// integrateLocked inserts a record at its sorted place. A known id is
// skipped; a buffered delete lands the record as a tombstone.
func (d *Doc) integrateLocked(record *charRecord) {
	if _, ok := d.index[record.ID]; ok {
		return
	}
	if d.pendingDeletes[record.ID] {
		record.Deleted = true
		delete(d.pendingDeletes, record.ID)
	}

	at := sort.Search(len(d.chars), func(i int) bool {
		return compareRecords(d.chars[i], record) >= 0
	})
	d.chars = append(d.chars, nil)
	copy(d.chars[at+1:], d.chars[at:])
	d.chars[at] = record
	d.index[record.ID] = record

	// Remote actors advance our sequence floor so ids never collide
	// after a snapshot import attributed to ourselves.
	if record.ID.Actor == d.actor && record.ID.Seq > d.nextSeq {
		d.nextSeq = record.ID.Seq
	}
}

// visibleIndexesLocked returns the chars indexes of visible records,
// in order.
func (d *Doc) visibleIndexesLocked() []int {
	visible := make([]int, 0, len(d.chars))
	for i, record := range d.chars {
		if !record.Deleted {
			visible = append(visible, i)
		}
	}
	return visible
}

// emitLocked encodes ops for broadcast, or nil when there is nothing
// to say.
func (d *Doc) emitLocked(ops []op) []byte {
	if len(ops) == 0 || d.onUpdate == nil {
		return nil
	}
	encoded, err := codec.Marshal(delta{Ops: ops})
	if err != nil {
		// Deterministic encoding of our own structs cannot fail at
		// runtime; treat it as a programming error.
		panic("document: encoding local delta failed: " + err.Error())
	}
	return encoded
}

// fire runs the update hook outside the lock.
func (d *Doc) fire(encoded []byte) {
	if encoded == nil {
		return
	}
	d.mu.Lock()
	hook := d.onUpdate
	d.mu.Unlock()
	if hook != nil {
		hook(encoded)
	}
}

// compareRecords orders by (position, actor, seq). Distinct ids never
// compare equal, which keeps the sort total on every replica.
func compareRecords(a, b *charRecord) int {
	if c := comparePositions(a.Pos, b.Pos); c != 0 {
		return c
	}
	if a.ID.Actor != b.ID.Actor {
		if a.ID.Actor < b.ID.Actor {
			return -1
		}
		return 1
	}
	switch {
	case a.ID.Seq < b.ID.Seq:
		return -1
	case a.ID.Seq > b.ID.Seq:
		return 1
	}
	return 0
}

// comparePositions is lexicographic with prefix-before-extension.
func comparePositions(a, b Position) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	if len(a) < len(b) {
		return -1
	}
	return 0
}

// allocBetween returns a position strictly between left and right.
// Nil left means the document start, nil right the document end. When
// the gap at a level is too narrow the left digit is kept and the
// search descends a level, so the identifier grows only where the
// sequence is dense.
func allocBetween(left, right Position) Position {
	var pos Position
	rightBounds := right != nil
	for depth := 0; ; depth++ {
		var lo uint32
		if depth < len(left) {
			lo = left[depth]
		}
		hi := uint32(maxDigit)
		if rightBounds && depth < len(right) {
			hi = right[depth]
		}
		if hi-lo > 1 {
			return append(pos, lo+(hi-lo)/2)
		}
		pos = append(pos, lo)
		if hi > lo {
			// The bound separated at this level; deeper digits are
			// only constrained from the left.
			rightBounds = false
		}
	}
}
