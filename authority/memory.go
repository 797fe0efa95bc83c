// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"
	"errors"
	"sync"
)

// ErrRoomNotFound is returned for rooms the store has never seen.
var ErrRoomNotFound = errors.New("authority: room not found")

// MemoryRoomStore is an in-process RoomStore, for tests and
// single-node deployments.
type MemoryRoomStore struct {
	mu    sync.Mutex
	rooms map[string]RoomMeta
	ended map[string]bool
}

var _ RoomStore = (*MemoryRoomStore)(nil)

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		rooms: make(map[string]RoomMeta),
		ended: make(map[string]bool),
	}
}

// Put creates or replaces a room's metadata.
func (s *MemoryRoomStore) Put(roomID string, meta RoomMeta) {
	s.mu.Lock()
	s.rooms[roomID] = meta
	s.mu.Unlock()
}

func (s *MemoryRoomStore) Room(_ context.Context, roomID string) (RoomMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.rooms[roomID]
	if !ok {
		return RoomMeta{}, ErrRoomNotFound
	}
	return meta, nil
}

func (s *MemoryRoomStore) SetLocked(_ context.Context, roomID string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	meta.Locked = locked
	s.rooms[roomID] = meta
	return nil
}

func (s *MemoryRoomStore) SetEnded(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	s.ended[roomID] = true
	return nil
}

// Ended reports whether a room has been marked ended.
func (s *MemoryRoomStore) Ended(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended[roomID]
}

// MemoryPermissionStore is an in-process PermissionStore.
type MemoryPermissionStore struct {
	mu     sync.Mutex
	grants map[string][]Grant
	err    error
}

var _ PermissionStore = (*MemoryPermissionStore)(nil)

func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{grants: make(map[string][]Grant)}
}

// SetGrants replaces a room's grant list.
func (s *MemoryPermissionStore) SetGrants(roomID string, grants []Grant) {
	s.mu.Lock()
	s.grants[roomID] = grants
	s.mu.Unlock()
}

// FailWith makes every Grants call return err until cleared with nil.
func (s *MemoryPermissionStore) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MemoryPermissionStore) Grants(_ context.Context, roomID string) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	grants := make([]Grant, len(s.grants[roomID]))
	copy(grants, s.grants[roomID])
	return grants, nil
}
