// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/syncpad-foundation/syncpad/lib/clock"
)

// capabilityPollInterval is how often the guest capability cache is
// refreshed from the permission store while a session is live.
const capabilityPollInterval = 5 * time.Second

// ErrNotCreator rejects a privileged action attempted by a non-creator.
var ErrNotCreator = errors.New("authority: action restricted to the room creator")

// RoomMeta is the room's authoritative metadata.
type RoomMeta struct {
	CreatorUserID string
	MaxPeersTier  int
	Locked        bool
	ExpiresAt     time.Time
}

// Capabilities are the actions a guest may perform. The creator
// implicitly holds all of them.
type Capabilities struct {
	Edit   bool
	Chat   bool
	Import bool
}

// Union merges two capability sets.
func (c Capabilities) Union(other Capabilities) Capabilities {
	return Capabilities{
		Edit:   c.Edit || other.Edit,
		Chat:   c.Chat || other.Chat,
		Import: c.Import || other.Import,
	}
}

// Grant audiences. Guests receive the union of every grant addressed
// to either audience.
const (
	AudienceGuests = "guests"
	AudienceAll    = "all"
)

// Grant assigns capabilities to an audience within a room.
type Grant struct {
	Audience     string
	Capabilities Capabilities
}

// RoomStore is the external persistence boundary for room metadata.
type RoomStore interface {
	Room(ctx context.Context, roomID string) (RoomMeta, error)
	SetLocked(ctx context.Context, roomID string, locked bool) error
	SetEnded(ctx context.Context, roomID string) error
}

// PermissionStore is the external source of capability grants.
type PermissionStore interface {
	Grants(ctx context.Context, roomID string) ([]Grant, error)
}

// Guard holds the locally cached authority state for one room session:
// metadata, guest capabilities, and the denylist of kicked peers.
type Guard struct {
	roomID string
	rooms  RoomStore
	perms  PermissionStore
	clk    clock.Clock
	log    *slog.Logger

	mu     sync.Mutex
	meta   RoomMeta
	caps   Capabilities
	denied map[string]bool

	pollStop chan struct{}
	stopOnce sync.Once
}

// NewGuard creates a guard for roomID. Call Refresh before relying on
// the metadata, and Start to keep the capability cache current.
func NewGuard(roomID string, rooms RoomStore, perms PermissionStore, clk clock.Clock, log *slog.Logger) *Guard {
	return &Guard{
		roomID:   roomID,
		rooms:    rooms,
		perms:    perms,
		clk:      clk,
		log:      log,
		denied:   make(map[string]bool),
		pollStop: make(chan struct{}),
	}
}

// Refresh reloads room metadata and guest capabilities from the
// external stores.
func (g *Guard) Refresh(ctx context.Context) error {
	meta, err := g.rooms.Room(ctx, g.roomID)
	if err != nil {
		return err
	}
	caps, err := g.loadCapabilities(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.meta = meta
	g.caps = caps
	g.mu.Unlock()
	return nil
}

// Start polls the permission store until Close. A failed poll keeps
// the previous cache; capabilities degrade to stale, not to absent.
func (g *Guard) Start(ctx context.Context) {
	go func() {
		ticker := g.clk.NewTicker(capabilityPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				caps, err := g.loadCapabilities(ctx)
				if err != nil {
					g.log.Warn("capability refresh failed",
						"room", g.roomID,
						"error", err)
					continue
				}
				g.mu.Lock()
				g.caps = caps
				g.mu.Unlock()
			case <-g.pollStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the capability poller. Safe to call more than once.
func (g *Guard) Close() {
	g.stopOnce.Do(func() { close(g.pollStop) })
}

func (g *Guard) loadCapabilities(ctx context.Context) (Capabilities, error) {
	grants, err := g.perms.Grants(ctx, g.roomID)
	if err != nil {
		return Capabilities{}, err
	}
	var caps Capabilities
	for _, grant := range grants {
		if grant.Audience == AudienceGuests || grant.Audience == AudienceAll {
			caps = caps.Union(grant.Capabilities)
		}
	}
	return caps, nil
}

// Meta returns the cached room metadata.
func (g *Guard) Meta() RoomMeta {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.meta
}

// IsCreator reports whether userID is the room creator.
func (g *Guard) IsCreator(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return userID != "" && userID == g.meta.CreatorUserID
}

// Expired reports whether the room's lifetime has lapsed. A zero
// ExpiresAt never expires.
func (g *Guard) Expired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.meta.ExpiresAt.IsZero() && g.clk.Now().After(g.meta.ExpiresAt)
}

// Locked reports the cached lock state.
func (g *Guard) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.meta.Locked
}

// SetLocked persists and caches a lock change. Only the creator may
// change the lock.
func (g *Guard) SetLocked(ctx context.Context, actorUserID string, locked bool) error {
	if !g.IsCreator(actorUserID) {
		return ErrNotCreator
	}
	if err := g.rooms.SetLocked(ctx, g.roomID, locked); err != nil {
		return err
	}
	g.ApplyLock(locked)
	return nil
}

// ApplyLock caches a lock state learned from a validated control
// broadcast, without touching the store.
func (g *Guard) ApplyLock(locked bool) {
	g.mu.Lock()
	g.meta.Locked = locked
	g.mu.Unlock()
}

// End persists the ended state. Only the creator may end the room; the
// persistence is best effort and the caller tears down regardless.
func (g *Guard) End(ctx context.Context, actorUserID string) error {
	if !g.IsCreator(actorUserID) {
		return ErrNotCreator
	}
	return g.rooms.SetEnded(ctx, g.roomID)
}

// Deny adds a peer to the local denylist. Denied peers get no
// connections and no relayed traffic from this peer.
func (g *Guard) Deny(peerID string) {
	g.mu.Lock()
	g.denied[peerID] = true
	g.mu.Unlock()
}

// Denied reports whether a peer has been kicked.
func (g *Guard) Denied(peerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denied[peerID]
}

// GuestCapabilities returns the cached capability set for guests.
func (g *Guard) GuestCapabilities() Capabilities {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.caps
}

// CapabilitiesFor returns the effective capabilities of a user: the
// creator holds everything, guests hold the cached grant union.
func (g *Guard) CapabilitiesFor(userID string) Capabilities {
	if g.IsCreator(userID) {
		return Capabilities{Edit: true, Chat: true, Import: true}
	}
	return g.GuestCapabilities()
}
