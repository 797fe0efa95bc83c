// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/syncpad-foundation/syncpad/lib/codec"
)

var (
	snapshotEncoder *zstd.Encoder
	snapshotDecoder *zstd.Decoder
)

func init() {
	var err error
	snapshotEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("document: creating zstd encoder: " + err.Error())
	}
	snapshotDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("document: creating zstd decoder: " + err.Error())
	}
}

// snapshot is the wire form of the full replica state. Tombstones are
// included: a receiver that saw the live character must learn its
// deletion from the snapshot too.
type snapshot struct {
	Chars []charRecord `cbor:"chars"`
}

// Snapshot serializes the full replica state, zstd-compressed. A new
// peer bootstraps from a snapshot instead of replaying delta history.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	snap := snapshot{Chars: make([]charRecord, len(d.chars))}
	for i, record := range d.chars {
		snap.Chars[i] = *record
	}
	d.mu.Unlock()

	encoded, err := codec.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding document snapshot: %w", err)
	}
	return snapshotEncoder.EncodeAll(encoded, nil), nil
}

// ApplySnapshot merges a snapshot into the replica. Characters already
// known keep their state except that deletion is unioned in; unknown
// characters integrate at their sorted place. Applying the same
// snapshot twice is a no-op.
func (d *Doc) ApplySnapshot(compressed []byte) error {
	encoded, err := snapshotDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompressing document snapshot: %w", err)
	}
	var snap snapshot
	if err := codec.Unmarshal(encoded, &snap); err != nil {
		return fmt.Errorf("decoding document snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range snap.Chars {
		record := snap.Chars[i]
		if existing, ok := d.index[record.ID]; ok {
			if record.Deleted {
				existing.Deleted = true
			}
			continue
		}
		d.integrateLocked(&record)
	}
	return nil
}
