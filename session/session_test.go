// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/syncpad-foundation/syncpad/authority"
	"github.com/syncpad-foundation/syncpad/crypto"
	"github.com/syncpad-foundation/syncpad/lib/testutil"
	"github.com/syncpad-foundation/syncpad/presence"
	"github.com/syncpad-foundation/syncpad/protocol"
	"github.com/syncpad-foundation/syncpad/signal"
	"github.com/syncpad-foundation/syncpad/transport"
)

type staticIdentity string

func (i staticIdentity) UserID() string { return string(i) }

// roomFixture is the shared backing for a multi-session test room.
type roomFixture struct {
	relay *signal.MemoryRelay
	rooms *authority.MemoryRoomStore
	perms *authority.MemoryPermissionStore
	key   *crypto.Key
}

func newRoomFixture(t *testing.T) *roomFixture {
	t.Helper()
	rooms := authority.NewMemoryRoomStore()
	rooms.Put("room-1", authority.RoomMeta{
		CreatorUserID: "user-creator",
		MaxPeersTier:  4,
	})
	perms := authority.NewMemoryPermissionStore()
	perms.SetGrants("room-1", []authority.Grant{
		{Audience: authority.AudienceGuests, Capabilities: authority.Capabilities{Edit: true, Chat: true}},
	})

	material, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	key, err := crypto.ImportKey(material)
	if err != nil {
		t.Fatalf("ImportKey: %v", err)
	}

	return &roomFixture{
		relay: signal.NewMemoryRelay(),
		rooms: rooms,
		perms: perms,
		key:   key,
	}
}

func (f *roomFixture) session(t *testing.T, clientKey, userID string) *Session {
	t.Helper()
	s := New(Config{
		RoomID:          "room-1",
		Bus:             f.relay.Client(clientKey),
		Rooms:           f.rooms,
		Perms:           f.perms,
		Identity:        staticIdentity(userID),
		Key:             f.key,
		DefaultMaxPeers: 4,
		DisplayName:     clientKey,
		Color:           "#336699",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { s.Leave(context.Background()) })
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinBecomesActive(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")

	var statuses []Status
	creator.OnStatusChange(func(status Status) { statuses = append(statuses, status) })

	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := creator.Status(); got != StatusActive {
		t.Fatalf("status = %v, want active", got)
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != StatusActive {
		t.Errorf("status sequence = %v, want ending in active", statuses)
	}

	diags := creator.ConnectionDiagnostics()
	if diags.Mode != "mesh" {
		t.Errorf("mode = %q, want mesh for a small room", diags.Mode)
	}
	if diags.HostPeer != creator.PeerID() {
		t.Errorf("host = %q, want self", diags.HostPeer)
	}
}

func TestJoinRoomFull(t *testing.T) {
	fixture := newRoomFixture(t)
	fixture.rooms.Put("room-1", authority.RoomMeta{
		CreatorUserID: "user-creator",
		MaxPeersTier:  2,
	})

	creator := fixture.session(t, "creator", "user-creator")
	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	second := fixture.session(t, "second", "user-second")
	if err := second.Join(context.Background()); err != nil {
		t.Fatalf("second Join: %v", err)
	}

	third := fixture.session(t, "third", "user-third")
	err := third.Join(context.Background())
	if !errors.Is(err, presence.ErrRoomFull) {
		t.Fatalf("third Join = %v, want ErrRoomFull", err)
	}
	if got := third.Status(); got != StatusRoomFull {
		t.Errorf("status = %v, want room-full", got)
	}
}

func TestJoinLockedRoom(t *testing.T) {
	fixture := newRoomFixture(t)
	fixture.rooms.Put("room-1", authority.RoomMeta{
		CreatorUserID: "user-creator",
		MaxPeersTier:  4,
		Locked:        true,
	})

	guest := fixture.session(t, "guest", "user-guest")
	if err := guest.Join(context.Background()); !errors.Is(err, presence.ErrRoomLocked) {
		t.Fatalf("guest Join = %v, want ErrRoomLocked", err)
	}
	if got := guest.Status(); got != StatusBlocked {
		t.Errorf("status = %v, want blocked-by-lock", got)
	}

	// The lock never applies to the creator.
	creator := fixture.session(t, "creator", "user-creator")
	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
}

// TestOfferFromUntrackedPeerIgnored: a peer that never entered room
// presence sends a syntactically valid offer straight at a member. The
// member must not answer and must not open a link — otherwise an
// outsider holding the room key would get a channel and a document
// snapshot without passing admission.
func TestOfferFromUntrackedPeerIgnored(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")
	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// A real link manager produces the valid SDP to smuggle in.
	outsider := transport.NewManager(transport.Config{
		SelfPeerID: "peer-outsider",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(outsider.Close)
	offers := make(chan protocol.Envelope, 4)
	outsider.OnSignal(func(env protocol.Envelope) {
		if env.Kind == protocol.KindOffer {
			offers <- env
		}
	})
	if err := outsider.Dial(creator.PeerID()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	offerEnv := testutil.RequireReceive(t, offers, 5*time.Second, "outsider offer")

	outsiderBus := fixture.relay.Client("outsider")
	answers := make(chan protocol.Envelope, 4)
	outsiderBus.SetHandler(func(env protocol.Envelope) {
		if env.Kind == protocol.KindAnswer && env.To == "peer-outsider" {
			answers <- env
		}
	})

	if err := offerEnv.Seal(fixture.key); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := outsiderBus.Publish(context.Background(), offerEnv); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	testutil.RequireNoReceive(t, answers, 500*time.Millisecond, "answer to an untracked peer")
	if links := creator.ConnectionDiagnostics().Links; len(links) != 0 {
		t.Errorf("links after outside offer = %+v, want none", links)
	}
}

func TestDocumentConvergesBetweenSessions(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")
	guest := fixture.session(t, "guest", "user-guest")

	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	if err := guest.Join(context.Background()); err != nil {
		t.Fatalf("guest Join: %v", err)
	}

	if err := creator.SetText("hello from the creator"); err != nil {
		t.Fatalf("SetText: %v", err)
	}
	waitUntil(t, 15*time.Second, "document replication", func() bool {
		return guest.Text() == "hello from the creator"
	})

	if err := guest.SetText("hello from the creator, and the guest"); err != nil {
		t.Fatalf("guest SetText: %v", err)
	}
	waitUntil(t, 15*time.Second, "reverse replication", func() bool {
		return creator.Text() == "hello from the creator, and the guest"
	})
}

func TestChatDeliveredOnceAcrossTransports(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")
	guest := fixture.session(t, "guest", "user-guest")

	received := make(chan ChatMessage, 8)
	guest.OnChatMessage(func(msg ChatMessage) { received <- msg })

	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	if err := guest.Join(context.Background()); err != nil {
		t.Fatalf("guest Join: %v", err)
	}

	if err := creator.SendChatMessage("one message, any number of paths"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}

	first := testutil.RequireReceive(t, received, 15*time.Second, "chat delivery")
	if first.Text != "one message, any number of paths" {
		t.Errorf("text = %q", first.Text)
	}
	if first.From != creator.PeerID() {
		t.Errorf("from = %q, want creator peer", first.From)
	}
	// Whatever transports carried it, it surfaces exactly once.
	testutil.RequireNoReceive(t, received, 500*time.Millisecond, "duplicate chat")
}

func TestControlFromNonCreatorIgnored(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")
	guest := fixture.session(t, "guest", "user-guest")

	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	if err := guest.Join(context.Background()); err != nil {
		t.Fatalf("guest Join: %v", err)
	}

	// The guest has no lock/kick/end authority through the surface.
	if err := guest.UpdateRoomLock(context.Background(), true); !errors.Is(err, authority.ErrNotCreator) {
		t.Errorf("guest lock = %v, want ErrNotCreator", err)
	}
	if err := guest.KickPeer(creator.PeerID()); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("guest kick = %v, want ErrNotPermitted", err)
	}

	// A forged end control injected through the guest's broadcast path
	// is ignored by receivers: the claimed user id is not the creator.
	guest.broadcastControl(protocol.ControlPayload{
		Action:       protocol.ControlEnd,
		SenderUserID: "user-guest",
	})
	time.Sleep(300 * time.Millisecond)
	if got := creator.Status(); got != StatusActive {
		t.Errorf("creator status after forged end = %v, want active", got)
	}
}

func TestKickPeer(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")
	guest := fixture.session(t, "guest", "user-guest")

	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	if err := guest.Join(context.Background()); err != nil {
		t.Fatalf("guest Join: %v", err)
	}

	if err := creator.KickPeer(guest.PeerID()); err != nil {
		t.Fatalf("KickPeer: %v", err)
	}
	waitUntil(t, 15*time.Second, "kick to land", func() bool {
		return guest.Status() == StatusKicked
	})
	if !creator.guard.Denied(guest.PeerID()) {
		t.Error("creator does not denylist the kicked peer")
	}
}

func TestCreatorLeaveEndsRoom(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")
	guest := fixture.session(t, "guest", "user-guest")

	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	if err := guest.Join(context.Background()); err != nil {
		t.Fatalf("guest Join: %v", err)
	}

	creator.Leave(context.Background())
	if got := creator.Status(); got != StatusLeft {
		t.Errorf("creator status = %v, want left", got)
	}
	waitUntil(t, 15*time.Second, "room end to land", func() bool {
		return guest.Status() == StatusEnded
	})
	if !fixture.rooms.Ended("room-1") {
		t.Error("ended state not persisted")
	}
}

func TestEditWithoutCapability(t *testing.T) {
	fixture := newRoomFixture(t)
	fixture.perms.SetGrants("room-1", []authority.Grant{
		{Audience: authority.AudienceGuests, Capabilities: authority.Capabilities{Chat: true}},
	})

	creator := fixture.session(t, "creator", "user-creator")
	guest := fixture.session(t, "guest", "user-guest")
	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	if err := guest.Join(context.Background()); err != nil {
		t.Fatalf("guest Join: %v", err)
	}

	if err := guest.SetText("should be dropped"); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("guest SetText = %v, want ErrNotPermitted", err)
	}
	if got := guest.Text(); got != "" {
		t.Errorf("guest document = %q, want untouched", got)
	}
	if err := creator.SetText("creator always edits"); err != nil {
		t.Errorf("creator SetText = %v", err)
	}
}

func TestRekeyReachesMembers(t *testing.T) {
	fixture := newRoomFixture(t)
	creator := fixture.session(t, "creator", "user-creator")
	guest := fixture.session(t, "guest", "user-guest")

	if err := creator.Join(context.Background()); err != nil {
		t.Fatalf("creator Join: %v", err)
	}
	if err := guest.Join(context.Background()); err != nil {
		t.Fatalf("guest Join: %v", err)
	}

	before := guest.CurrentKeyFingerprint()
	if err := guest.RotateEncryptionKey(); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("guest rotate = %v, want ErrNotPermitted", err)
	}
	if err := creator.RotateEncryptionKey(); err != nil {
		t.Fatalf("creator rotate: %v", err)
	}

	waitUntil(t, 15*time.Second, "rekey to land", func() bool {
		return guest.CurrentKeyFingerprint() != before
	})
	if guest.CurrentKeyFingerprint() != creator.CurrentKeyFingerprint() {
		t.Errorf("fingerprints diverged: %q vs %q",
			guest.CurrentKeyFingerprint(), creator.CurrentKeyFingerprint())
	}

	// Traffic still flows under the rotated key.
	if err := creator.SetText("post-rotation content"); err != nil {
		t.Fatalf("SetText: %v", err)
	}
	waitUntil(t, 15*time.Second, "post-rekey replication", func() bool {
		return guest.Text() == "post-rotation content"
	})
}
