// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package signal

// WireFrame is one JSON frame of the syncpad-relay websocket protocol,
// shared by the client in this package and the server in
// cmd/syncpad-relay. Envelope bytes stay CBOR and ride base64 inside
// the JSON frame.
type WireFrame struct {
	// Op is the frame operation.
	Op string `json:"op"`

	// Room scopes join frames to a room channel.
	Room string `json:"room,omitempty"`

	// Envelope carries a protocol envelope for publish and event
	// frames.
	Envelope []byte `json:"envelope,omitempty"`

	// Meta carries the presence record for track frames.
	Meta *PresenceMeta `json:"meta,omitempty"`

	// Presence carries the full membership snapshot on sync frames.
	Presence []PresenceMeta `json:"presence,omitempty"`
}

// Wire frame operations.
const (
	// OpJoin subscribes the connection to a room channel.
	OpJoin = "join"
	// OpPublish broadcasts an envelope to the room.
	OpPublish = "publish"
	// OpTrack registers the connection in room presence.
	OpTrack = "track"
	// OpUntrack removes the connection from room presence.
	OpUntrack = "untrack"
	// OpEvent delivers a published envelope to a subscriber.
	OpEvent = "event"
	// OpSync delivers the membership snapshot after any change.
	OpSync = "sync"
)
