// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/syncpad-foundation/syncpad/crypto"
	"github.com/syncpad-foundation/syncpad/document"
	"github.com/syncpad-foundation/syncpad/protocol"
	"github.com/syncpad-foundation/syncpad/transport"
)

// Text returns the current document content.
func (s *Session) Text() string {
	return s.doc.Text()
}

// SetText replaces the document content with a minimal edit. Guests
// need the edit capability; without it the edit is dropped before the
// engine and ErrNotPermitted is returned.
func (s *Session) SetText(text string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if !s.guard.CapabilitiesFor(s.identity.UserID()).Edit {
		return ErrNotPermitted
	}
	s.doc.SetText(text)
	return nil
}

// InsertText inserts at a visible index, for incremental editors.
func (s *Session) InsertText(index int, text string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if !s.guard.CapabilitiesFor(s.identity.UserID()).Edit {
		return ErrNotPermitted
	}
	s.doc.Insert(index, text)
	return nil
}

// DeleteText removes a visible range, for incremental editors.
func (s *Session) DeleteText(index, length int) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if !s.guard.CapabilitiesFor(s.identity.UserID()).Edit {
		return ErrNotPermitted
	}
	s.doc.Delete(index, length)
	return nil
}

// SendChatMessage sends one chat line to the room and delivers it to
// the local chat callback as well.
func (s *Session) SendChatMessage(text string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if !s.guard.CapabilitiesFor(s.identity.UserID()).Chat {
		return ErrNotPermitted
	}

	chat := protocol.ChatPayload{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: s.clk.Now().UnixMilli(),
	}
	s.dedup.Observe(chat.ID)
	s.broadcastContent(protocol.KindChat, chat)

	s.mu.Lock()
	hook := s.onChat
	s.mu.Unlock()
	if hook != nil {
		hook(ChatMessage{ID: chat.ID, From: s.peerID, Text: text, Timestamp: chat.Timestamp})
	}
	return nil
}

// SetCursorPosition publishes the local cursor.
func (s *Session) SetCursorPosition(x, y float64) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	s.awareness.SetCursor(x, y)
	return nil
}

// SetDisplayIdentity publishes the local display name and color.
func (s *Session) SetDisplayIdentity(displayName, color string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	s.mu.Lock()
	s.displayName = displayName
	s.color = color
	s.mu.Unlock()
	s.awareness.SetIdentity(displayName, color)
	return nil
}

// SetTypingIndicator publishes the local typing flag.
func (s *Session) SetTypingIndicator(typing bool) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	s.awareness.SetTyping(typing)
	s.broadcastContent(protocol.KindTyping, protocol.TypingPayload{Typing: typing})
	return nil
}

// ActivePeers returns the awareness states refreshed recently, keyed
// by peer id.
func (s *Session) ActivePeers() map[string]document.PeerState {
	return s.awareness.Active()
}

// ExportSnapshot serializes the full document state, optionally sealed
// to the given recipients. With no recipients the snapshot is
// compressed but unencrypted.
func (s *Session) ExportSnapshot(recipients ...string) ([]byte, error) {
	snap, err := s.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return snap, nil
	}
	sealed, err := crypto.SealSnapshot(snap, recipients)
	if err != nil {
		return nil, fmt.Errorf("sealing snapshot: %w", err)
	}
	return []byte(sealed), nil
}

// ImportSnapshot merges a previously exported snapshot into the shared
// document and broadcasts the result. The creator and import-permitted
// guests only.
func (s *Session) ImportSnapshot(snapshot []byte) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	userID := s.identity.UserID()
	if !s.guard.IsCreator(userID) && !s.guard.CapabilitiesFor(userID).Import {
		return ErrNotPermitted
	}
	if err := s.doc.ApplySnapshot(snapshot); err != nil {
		return err
	}
	s.docChanged()

	// The merged state must reach everyone, including peers that held
	// no overlapping history.
	merged, err := s.doc.Snapshot()
	if err != nil {
		return err
	}
	s.broadcastContent(protocol.KindDocUpdate, protocol.DocUpdatePayload{
		Update:   base64.StdEncoding.EncodeToString(merged),
		Snapshot: true,
	})
	return nil
}

// RotateEncryptionKey generates fresh key material, distributes it
// sealed under the key being retired, and swaps the local key. Host
// only; peers that cannot open the rekey envelope are locked out of
// subsequent traffic, which is the point.
func (s *Session) RotateEncryptionKey() error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if evaluation := s.evaluate(); !s.isHost(evaluation) {
		return ErrNotPermitted
	}
	if s.currentKey() == nil {
		return ErrNoKey
	}

	material, err := crypto.GenerateKeyMaterial()
	if err != nil {
		return fmt.Errorf("generating key material: %w", err)
	}
	newKey, err := crypto.ImportKey(material)
	if err != nil {
		return fmt.Errorf("importing rotated key: %w", err)
	}

	// Broadcast happens before the swap so the envelope seals under
	// the outgoing key; that is what proves membership to receivers.
	s.broadcastContent(protocol.KindRekey, protocol.RekeyPayload{
		KeyMaterial: base64.StdEncoding.EncodeToString(material),
	})

	s.mu.Lock()
	s.key = newKey
	s.mu.Unlock()
	s.log.Info("room key rotated", "fingerprint", newKey.Fingerprint())
	s.event("session.rekeyed", map[string]any{"fingerprint": newKey.Fingerprint()})
	return nil
}

// CurrentKeyFingerprint identifies the active room key, empty when
// keyless. For invite links and diagnostics.
func (s *Session) CurrentKeyFingerprint() string {
	if key := s.currentKey(); key != nil {
		return key.Fingerprint()
	}
	return ""
}

// UpdateRoomLock locks or unlocks the room: persisted through the
// room store and broadcast so current members learn it immediately.
// Creator only.
func (s *Session) UpdateRoomLock(ctx context.Context, locked bool) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	userID := s.identity.UserID()
	if err := s.guard.SetLocked(ctx, userID, locked); err != nil {
		return err
	}

	action := protocol.ControlLock
	if !locked {
		action = protocol.ControlUnlock
	}
	s.broadcastControl(protocol.ControlPayload{Action: action, SenderUserID: userID})
	return nil
}

// KickPeer removes a peer from the room. Creator only. Every receiver
// denylists the target independently; the target disconnects itself.
func (s *Session) KickPeer(peerID string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	userID := s.identity.UserID()
	if !s.guard.IsCreator(userID) {
		return ErrNotPermitted
	}

	s.broadcastControl(protocol.ControlPayload{
		Action:       protocol.ControlKick,
		SenderUserID: userID,
		TargetPeerID: peerID,
	})
	s.guard.Deny(peerID)
	s.manager.Teardown(peerID)
	s.event("session.kick", map[string]any{"target": peerID})
	return nil
}

// Diagnostics is the observable connection state of the session.
type Diagnostics struct {
	Status   Status
	Mode     string
	HostPeer string
	Links    []transport.Diagnostic
}

// ConnectionDiagnostics returns a snapshot for status surfaces.
func (s *Session) ConnectionDiagnostics() Diagnostics {
	evaluation := s.evaluate()
	return Diagnostics{
		Status:   s.Status(),
		Mode:     s.mode(evaluation).String(),
		HostPeer: evaluation.HostPeerID,
		Links:    s.manager.Diagnostics(),
	}
}

func (s *Session) requireActive() error {
	if s.Status() != StatusActive {
		return ErrNotActive
	}
	return nil
}
