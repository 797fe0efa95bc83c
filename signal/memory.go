// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/syncpad-foundation/syncpad/protocol"
)

// MemoryRelay is an in-process relay for tests. Buses created from the
// same MemoryRelay share one room: envelopes published by one are
// delivered, in order, to every other; presence is a shared map with
// sync notifications on every change.
type MemoryRelay struct {
	mu       sync.Mutex
	clients  map[string]*MemoryBus
	presence map[string]PresenceMeta

	// failures makes the next N publishes fail, for retry-path tests.
	failures int
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		clients:  make(map[string]*MemoryBus),
		presence: make(map[string]PresenceMeta),
	}
}

// FailNext makes the next n publishes on any client return an error.
func (r *MemoryRelay) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

// Client returns the Bus for the given client key, creating it on
// first use. The key identifies the relay connection, not the peer id,
// though tests conventionally use the peer id for both.
func (r *MemoryRelay) Client(key string) *MemoryBus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bus, ok := r.clients[key]; ok {
		return bus
	}
	bus := &MemoryBus{
		relay:  r,
		key:    key,
		events: make(chan memoryEvent, 256),
		closed: make(chan struct{}),
	}
	go bus.dispatch()
	r.clients[key] = bus
	return bus
}

// memoryEvent is one unit of dispatch work: an envelope delivery or a
// presence sync notification.
type memoryEvent struct {
	envelope *protocol.Envelope
	sync     bool
}

// MemoryBus is one client's connection to a MemoryRelay.
type MemoryBus struct {
	relay *MemoryRelay
	key   string

	mu      sync.Mutex
	handler func(protocol.Envelope)
	syncFn  func()

	events    chan memoryEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// Compile-time interface check.
var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) dispatch() {
	for {
		select {
		case <-b.closed:
			return
		case event := <-b.events:
			b.mu.Lock()
			handler, syncFn := b.handler, b.syncFn
			b.mu.Unlock()

			switch {
			case event.sync:
				if syncFn != nil {
					syncFn()
				}
			case event.envelope != nil:
				if handler != nil {
					handler(*event.envelope)
				}
			}
		}
	}
}

func (b *MemoryBus) enqueue(event memoryEvent) {
	select {
	case b.events <- event:
	case <-b.closed:
	}
}

func (b *MemoryBus) Publish(_ context.Context, env protocol.Envelope) error {
	b.relay.mu.Lock()
	if b.relay.failures > 0 {
		b.relay.failures--
		b.relay.mu.Unlock()
		return errors.New("memory relay: injected publish failure")
	}
	receivers := make([]*MemoryBus, 0, len(b.relay.clients))
	for key, client := range b.relay.clients {
		if key == b.key {
			continue // publishers do not receive their own envelopes
		}
		receivers = append(receivers, client)
	}
	b.relay.mu.Unlock()

	for _, receiver := range receivers {
		receiver.enqueue(memoryEvent{envelope: &env})
	}
	return nil
}

func (b *MemoryBus) SetHandler(handler func(protocol.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *MemoryBus) Track(_ context.Context, meta PresenceMeta) error {
	b.relay.mu.Lock()
	b.relay.presence[b.key] = meta
	b.relay.notifySyncLocked()
	b.relay.mu.Unlock()
	return nil
}

func (b *MemoryBus) Untrack(_ context.Context) error {
	b.relay.mu.Lock()
	delete(b.relay.presence, b.key)
	b.relay.notifySyncLocked()
	b.relay.mu.Unlock()
	return nil
}

// notifySyncLocked queues a presence sync on every client, the local
// one included — a tracking peer observes its own join.
func (r *MemoryRelay) notifySyncLocked() {
	for _, client := range r.clients {
		client.enqueue(memoryEvent{sync: true})
	}
}

func (b *MemoryBus) Presence() []PresenceMeta {
	b.relay.mu.Lock()
	defer b.relay.mu.Unlock()

	entries := make([]PresenceMeta, 0, len(b.relay.presence))
	for _, meta := range b.relay.presence {
		entries = append(entries, meta)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt != entries[j].JoinedAt {
			return entries[i].JoinedAt < entries[j].JoinedAt
		}
		return entries[i].PeerID < entries[j].PeerID
	})
	return entries
}

func (b *MemoryBus) OnPresenceSync(callback func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncFn = callback
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.relay.mu.Lock()
		delete(b.relay.clients, b.key)
		delete(b.relay.presence, b.key)
		b.relay.notifySyncLocked()
		b.relay.mu.Unlock()
	})
	return nil
}
