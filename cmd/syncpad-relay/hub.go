// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncpad-foundation/syncpad/signal"
)

// clientSendBuffer bounds each client's outbound queue. A client that
// cannot drain it is dropped; the engine's reconnect path brings it
// back with a fresh queue.
const clientSendBuffer = 256

// Hub fans envelopes and presence out to room channels. Delivery is
// at-least-once and ordered per connection; the engine on top is
// idempotent, so the hub never needs acknowledgements.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name     string
	clients  map[*client]bool
	presence map[*client]signal.PresenceMeta
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	room *room
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			// The relay carries end-to-end sealed envelopes; origin
			// enforcement belongs to the deployment in front of it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// ServeHTTP upgrades one websocket connection and runs it until it
// drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	go c.writePump()
	c.readPump()
}

// readPump processes frames from one client until the connection
// fails, then cleans up its room membership and presence.
func (c *client) readPump() {
	defer c.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame signal.WireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.log.Warn("malformed frame dropped", "error", err)
			continue
		}

		switch frame.Op {
		case signal.OpJoin:
			c.hub.join(c, frame.Room)
		case signal.OpPublish:
			c.hub.publish(c, frame.Envelope)
		case signal.OpTrack:
			if frame.Meta != nil {
				c.hub.track(c, *frame.Meta)
			}
		case signal.OpUntrack:
			c.hub.untrack(c)
		default:
			c.hub.log.Warn("unknown frame op dropped", "op", frame.Op)
		}
	}
}

// writePump drains the send queue onto the connection.
func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}

// close removes the client from its room. Departure of a tracked
// client is a presence change, so the survivors get a sync.
func (c *client) close() {
	c.conn.Close()

	h := c.hub
	h.mu.Lock()
	r := c.room
	if r == nil {
		h.mu.Unlock()
		return
	}
	delete(r.clients, c)
	_, wasTracked := r.presence[c]
	delete(r.presence, c)
	close(c.send)
	if len(r.clients) == 0 {
		delete(h.rooms, r.name)
		h.mu.Unlock()
		return
	}
	var frame *signal.WireFrame
	if wasTracked {
		frame = r.syncFrameLocked()
	}
	h.mu.Unlock()

	if frame != nil {
		h.broadcast(r, nil, *frame)
	}
}

// join subscribes a client to a room channel, creating the room on
// first use, and sends the current presence snapshot.
func (h *Hub) join(c *client, roomName string) {
	if roomName == "" {
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[roomName]
	if !ok {
		r = &room{
			name:     roomName,
			clients:  make(map[*client]bool),
			presence: make(map[*client]signal.PresenceMeta),
		}
		h.rooms[roomName] = r
	}
	r.clients[c] = true
	c.room = r
	frame := r.syncFrameLocked()
	h.mu.Unlock()

	c.enqueue(*frame)
	h.log.Debug("client joined", "room", roomName)
}

// publish fans an envelope out to every other subscriber of the
// sender's room. The sender does not hear its own envelopes.
func (h *Hub) publish(sender *client, envelope []byte) {
	h.mu.Lock()
	r := sender.room
	h.mu.Unlock()
	if r == nil || len(envelope) == 0 {
		return
	}
	h.broadcast(r, sender, signal.WireFrame{Op: signal.OpEvent, Envelope: envelope})
}

// track records a client's presence. The join timestamp is
// relay-assigned so one clock orders admission for every peer; a
// re-track after reconnect keeps the original timestamp.
func (h *Hub) track(c *client, meta signal.PresenceMeta) {
	h.mu.Lock()
	r := c.room
	if r == nil {
		h.mu.Unlock()
		return
	}
	if existing, ok := r.presence[c]; ok && existing.PeerID == meta.PeerID {
		meta.JoinedAt = existing.JoinedAt
	} else {
		meta.JoinedAt = time.Now().UnixMilli()
	}
	r.presence[c] = meta
	frame := r.syncFrameLocked()
	h.mu.Unlock()

	h.broadcast(r, nil, *frame)
}

// untrack removes a client's presence without dropping its
// subscription.
func (h *Hub) untrack(c *client) {
	h.mu.Lock()
	r := c.room
	if r == nil {
		h.mu.Unlock()
		return
	}
	if _, ok := r.presence[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(r.presence, c)
	frame := r.syncFrameLocked()
	h.mu.Unlock()

	h.broadcast(r, nil, *frame)
}

// syncFrameLocked snapshots the room's presence into a sync frame.
// Caller holds h.mu.
func (r *room) syncFrameLocked() *signal.WireFrame {
	presence := make([]signal.PresenceMeta, 0, len(r.presence))
	for _, meta := range r.presence {
		presence = append(presence, meta)
	}
	return &signal.WireFrame{Op: signal.OpSync, Room: r.name, Presence: presence}
}

// broadcast enqueues a frame for every room subscriber except skip.
// Clients with a full queue are disconnected rather than blocked on.
func (h *Hub) broadcast(r *room, skip *client, frame signal.WireFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("encoding frame failed", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueueBytes(data) {
			h.log.Warn("client queue full, dropping connection", "room", r.name)
			c.conn.Close()
		}
	}
}

func (c *client) enqueue(frame signal.WireFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueueBytes(data)
}

func (c *client) enqueueBytes(data []byte) bool {
	defer func() {
		// The send channel closes when the client departs; a frame
		// racing that close is dropped with the client.
		recover()
	}()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
