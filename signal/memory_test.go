// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"testing"
	"time"

	"github.com/syncpad-foundation/syncpad/lib/testutil"
	"github.com/syncpad-foundation/syncpad/protocol"
)

func TestMemoryRelayDeliversToOthersOnly(t *testing.T) {
	relay := NewMemoryRelay()
	alpha := relay.Client("alpha")
	beta := relay.Client("beta")
	defer alpha.Close()
	defer beta.Close()

	alphaGot := make(chan protocol.Envelope, 8)
	betaGot := make(chan protocol.Envelope, 8)
	alpha.SetHandler(func(env protocol.Envelope) { alphaGot <- env })
	beta.SetHandler(func(env protocol.Envelope) { betaGot <- env })

	env, err := protocol.New(protocol.KindHello, "alpha", protocol.HelloPayload{DisplayName: "ada"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := alpha.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	received := testutil.RequireReceive(t, betaGot, 5*time.Second, "beta delivery")
	if received.Kind != protocol.KindHello || received.From != "alpha" {
		t.Errorf("beta received %+v", received)
	}
	testutil.RequireNoReceive(t, alphaGot, 50*time.Millisecond, "publisher echoed its own envelope")
}

func TestMemoryRelayPreservesPublishOrder(t *testing.T) {
	relay := NewMemoryRelay()
	sender := relay.Client("sender")
	receiver := relay.Client("receiver")
	defer sender.Close()
	defer receiver.Close()

	got := make(chan protocol.Envelope, 16)
	receiver.SetHandler(func(env protocol.Envelope) { got <- env })

	order := []string{"one", "two", "three", "four"}
	for _, to := range order {
		env, err := protocol.NewDirected(protocol.KindICE, "sender", to, protocol.ICEPayload{Candidate: to})
		if err != nil {
			t.Fatalf("NewDirected: %v", err)
		}
		if err := sender.Publish(context.Background(), env); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, want := range order {
		env := testutil.RequireReceive(t, got, 5*time.Second, "ordered delivery")
		if env.To != want {
			t.Fatalf("delivery order broken: got %q, want %q", env.To, want)
		}
	}
}

func TestMemoryRelayPresenceSync(t *testing.T) {
	relay := NewMemoryRelay()
	alpha := relay.Client("alpha")
	beta := relay.Client("beta")
	defer alpha.Close()
	defer beta.Close()

	syncs := make(chan struct{}, 8)
	beta.OnPresenceSync(func() { syncs <- struct{}{} })

	meta := PresenceMeta{PeerID: "alpha", JoinedAt: 100, UserID: "user-1"}
	if err := alpha.Track(context.Background(), meta); err != nil {
		t.Fatalf("Track: %v", err)
	}
	testutil.RequireReceive(t, syncs, 5*time.Second, "sync after track")

	entries := beta.Presence()
	if len(entries) != 1 || entries[0].PeerID != "alpha" || entries[0].UserID != "user-1" {
		t.Errorf("presence = %+v", entries)
	}

	if err := alpha.Untrack(context.Background()); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	testutil.RequireReceive(t, syncs, 5*time.Second, "sync after untrack")
	if entries := beta.Presence(); len(entries) != 0 {
		t.Errorf("presence after untrack = %+v", entries)
	}
}

func TestMemoryRelayPresenceSortedByJoinOrder(t *testing.T) {
	relay := NewMemoryRelay()
	observer := relay.Client("observer")
	defer observer.Close()

	for _, entry := range []PresenceMeta{
		{PeerID: "late", JoinedAt: 300},
		{PeerID: "early", JoinedAt: 100},
		{PeerID: "tie-b", JoinedAt: 200},
		{PeerID: "tie-a", JoinedAt: 200},
	} {
		client := relay.Client(entry.PeerID)
		defer client.Close()
		if err := client.Track(context.Background(), entry); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}

	var got []string
	for _, meta := range observer.Presence() {
		got = append(got, meta.PeerID)
	}
	want := []string{"early", "tie-a", "tie-b", "late"}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("presence order = %v, want %v", got, want)
		}
	}
}

func TestMemoryRelayCloseRemovesPresence(t *testing.T) {
	relay := NewMemoryRelay()
	observer := relay.Client("observer")
	leaver := relay.Client("leaver")
	defer observer.Close()

	if err := leaver.Track(context.Background(), PresenceMeta{PeerID: "leaver", JoinedAt: 1}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	leaver.Close()

	// Relay disconnect owns the presence lifetime: the entry vanishes
	// without an explicit untrack.
	if entries := observer.Presence(); len(entries) != 0 {
		t.Errorf("presence after close = %+v", entries)
	}
}
