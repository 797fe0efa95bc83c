// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncpad-foundation/syncpad/lib/clock"
	"github.com/syncpad-foundation/syncpad/protocol"
)

// reconnectBaseDelay and reconnectMaxDelay bound the backoff between
// relay reconnection attempts after a dropped websocket.
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 10 * time.Second
)

// WebSocketBus is the production Bus: a websocket connection to a
// syncpad-relay server. Dropped connections reconnect with backoff and
// re-track presence, so a relay restart does not end the session.
type WebSocketBus struct {
	url    string
	room   string
	clock  clock.Clock
	logger *slog.Logger

	// mu guards the connection (gorilla allows one concurrent writer),
	// callbacks, the presence mirror, and the re-track record.
	mu       sync.Mutex
	conn     *websocket.Conn
	handler  func(protocol.Envelope)
	syncFn   func()
	presence []PresenceMeta
	tracked  *PresenceMeta

	closed    chan struct{}
	closeOnce sync.Once
}

// Compile-time interface check.
var _ Bus = (*WebSocketBus)(nil)

// DialWebSocket connects to a relay server and subscribes to the room
// channel. The returned bus is ready for SetHandler/Track.
func DialWebSocket(ctx context.Context, url, room string, clk clock.Clock, logger *slog.Logger) (*WebSocketBus, error) {
	bus := &WebSocketBus{
		url:    url,
		room:   room,
		clock:  clk,
		logger: logger,
		closed: make(chan struct{}),
	}
	conn, err := bus.connect(ctx)
	if err != nil {
		return nil, err
	}
	bus.conn = conn
	go bus.readLoop(conn)
	return bus, nil
}

// connect dials the relay and sends the join frame.
func (b *WebSocketBus) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", b.url, err)
	}
	if err := conn.WriteJSON(WireFrame{Op: OpJoin, Room: b.room}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining room channel: %w", err)
	}
	return conn, nil
}

// readLoop dispatches frames from one connection until it fails, then
// hands off to the reconnect loop.
func (b *WebSocketBus) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
			}
			b.logger.Warn("relay connection lost, reconnecting", "error", err)
			b.reconnect()
			return
		}

		var frame WireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Warn("malformed relay frame dropped", "error", err)
			continue
		}
		b.dispatch(frame)
	}
}

func (b *WebSocketBus) dispatch(frame WireFrame) {
	switch frame.Op {
	case OpEvent:
		env, err := protocol.Decode(frame.Envelope)
		if err != nil {
			b.logger.Warn("malformed relay envelope dropped", "error", err)
			return
		}
		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	case OpSync:
		b.mu.Lock()
		b.presence = frame.Presence
		syncFn := b.syncFn
		b.mu.Unlock()
		if syncFn != nil {
			syncFn()
		}
	default:
		b.logger.Warn("unexpected relay frame dropped", "op", frame.Op)
	}
}

// reconnect re-dials with exponential backoff until it succeeds or the
// bus is closed, then re-joins and re-tracks presence.
func (b *WebSocketBus) reconnect() {
	delay := reconnectBaseDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-b.closed:
			return
		case <-b.clock.After(delay):
		}

		conn, err := b.connect(context.Background())
		if err != nil {
			b.logger.Warn("relay reconnect failed",
				"attempt", attempt,
				"error", err,
			)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		b.mu.Lock()
		b.conn = conn
		tracked := b.tracked
		b.mu.Unlock()

		if tracked != nil {
			if err := b.writeFrame(WireFrame{Op: OpTrack, Meta: tracked}); err != nil {
				b.logger.Warn("re-tracking presence failed", "error", err)
			}
		}

		b.logger.Info("relay reconnected", "attempt", attempt)
		go b.readLoop(conn)
		return
	}
}

// writeFrame serializes one frame onto the current connection.
func (b *WebSocketBus) writeFrame(frame WireFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("relay connection not established")
	}
	return b.conn.WriteJSON(frame)
}

func (b *WebSocketBus) Publish(_ context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return b.writeFrame(WireFrame{Op: OpPublish, Envelope: data})
}

func (b *WebSocketBus) SetHandler(handler func(protocol.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *WebSocketBus) Track(_ context.Context, meta PresenceMeta) error {
	b.mu.Lock()
	b.tracked = &meta
	b.mu.Unlock()
	return b.writeFrame(WireFrame{Op: OpTrack, Meta: &meta})
}

func (b *WebSocketBus) Untrack(_ context.Context) error {
	b.mu.Lock()
	b.tracked = nil
	b.mu.Unlock()
	return b.writeFrame(WireFrame{Op: OpUntrack})
}

func (b *WebSocketBus) Presence() []PresenceMeta {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]PresenceMeta, len(b.presence))
	copy(entries, b.presence)
	return entries
}

func (b *WebSocketBus) OnPresenceSync(callback func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncFn = callback
}

func (b *WebSocketBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
		}
		b.mu.Unlock()
	})
	return nil
}
