// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/syncpad-foundation/syncpad/authority"
	"github.com/syncpad-foundation/syncpad/crypto"
	"github.com/syncpad-foundation/syncpad/document"
	"github.com/syncpad-foundation/syncpad/fallback"
	"github.com/syncpad-foundation/syncpad/lib/clock"
	"github.com/syncpad-foundation/syncpad/presence"
	"github.com/syncpad-foundation/syncpad/protocol"
	"github.com/syncpad-foundation/syncpad/signal"
	"github.com/syncpad-foundation/syncpad/topology"
	"github.com/syncpad-foundation/syncpad/transport"
)

// Status is the user-visible session state.
type Status int

const (
	// StatusNew: created, Join not called yet.
	StatusNew Status = iota
	// StatusJoining: admission in progress.
	StatusJoining
	// StatusActive: admitted and collaborating.
	StatusActive
	// StatusRoomFull: admission refused, the room is at capacity.
	StatusRoomFull
	// StatusBlocked: admission refused, the room is locked.
	StatusBlocked
	// StatusKicked: removed by the room creator.
	StatusKicked
	// StatusEnded: the creator ended the room.
	StatusEnded
	// StatusLeft: Leave completed.
	StatusLeft
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusJoining:
		return "joining"
	case StatusActive:
		return "active"
	case StatusRoomFull:
		return "room-full"
	case StatusBlocked:
		return "blocked-by-lock"
	case StatusKicked:
		return "kicked"
	case StatusEnded:
		return "room-ended"
	case StatusLeft:
		return "left"
	}
	return "unknown"
}

// ErrNotPermitted rejects an operation the caller's capabilities do
// not cover.
var ErrNotPermitted = errors.New("session: not permitted")

// ErrNotActive rejects operations on a session that is not admitted.
var ErrNotActive = errors.New("session: not active")

// ErrNoKey rejects key rotation in a keyless room.
var ErrNoKey = errors.New("session: room has no encryption key")

// Identity supplies the authenticated user behind this session. An
// anonymous participant returns an empty UserID.
type Identity interface {
	UserID() string
}

// TelemetrySink receives fire-and-forget engine events. Failures in a
// sink must never affect the session, so the interface has no error
// returns.
type TelemetrySink interface {
	Event(name string, attrs map[string]any)
}

// ChatMessage is a deduplicated chat line delivered to the application.
type ChatMessage struct {
	ID        string
	From      string
	Text      string
	Timestamp int64
}

// Config carries everything a session needs. Bus, Rooms, Perms, and
// Identity are required; the rest defaults.
type Config struct {
	RoomID   string
	Bus      signal.Bus
	Rooms    authority.RoomStore
	Perms    authority.PermissionStore
	Identity Identity

	// Key is the room key from the invite, nil for a keyless room.
	Key *crypto.Key

	// Telemetry is optional.
	Telemetry TelemetrySink

	DefaultMaxPeers int
	ICEServers      []string
	DisplayName     string
	Color           string
	DedupCapacity   int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is one room membership.
type Session struct {
	roomID    string
	peerID    string
	identity  Identity
	telemetry TelemetrySink
	clk       clock.Clock
	log       *slog.Logger

	bus       signal.Bus
	sender    *signal.Sender
	manager   *transport.Manager
	doc       *document.Doc
	awareness *document.Awareness
	guard     *authority.Guard
	dedup     *fallback.Dedup

	defaultMaxPeers int
	displayName     string
	color           string

	mu     sync.Mutex
	key    *crypto.Key
	status Status

	onStatus       func(Status)
	onChat         func(ChatMessage)
	onDocChange    func()
	onFallbackText func(peerID, text string)
	onTyping       func(peerID string, typing bool)

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// New assembles a session. The session does nothing until Join.
func New(cfg Config) *Session {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	peerID := uuid.NewString()
	log = log.With("room", cfg.RoomID, "peer", peerID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		roomID:          cfg.RoomID,
		peerID:          peerID,
		identity:        cfg.Identity,
		telemetry:       cfg.Telemetry,
		clk:             clk,
		log:             log,
		bus:             cfg.Bus,
		doc:             document.NewDoc(peerID),
		awareness:       document.NewAwareness(peerID, clk),
		guard:           authority.NewGuard(cfg.RoomID, cfg.Rooms, cfg.Perms, clk, log),
		dedup:           fallback.NewDedup(cfg.DedupCapacity),
		defaultMaxPeers: cfg.DefaultMaxPeers,
		displayName:     cfg.DisplayName,
		color:           cfg.Color,
		key:             cfg.Key,
		status:          StatusNew,
		ctx:             ctx,
		cancel:          cancel,
		closed:          make(chan struct{}),
	}
	s.sender = signal.NewSender(cfg.Bus, clk, log, s.closed)
	s.manager = transport.NewManager(transport.Config{
		SelfPeerID: peerID,
		ICEServers: cfg.ICEServers,
		Clock:      clk,
		Logger:     log,
	})

	s.manager.OnSignal(s.sendSignal)
	s.manager.OnEnvelope(s.handleChannelEnvelope)
	s.manager.OnChannelOpen(s.syncNewChannel)
	s.doc.OnUpdate(func(delta []byte) {
		s.broadcastContent(protocol.KindDocUpdate, protocol.DocUpdatePayload{
			Update: base64.StdEncoding.EncodeToString(delta),
		})
		s.docChanged()
	})
	s.awareness.OnUpdate(func(delta []byte) {
		s.broadcastContent(protocol.KindAwareness, protocol.AwarenessPayload{
			Update: base64.StdEncoding.EncodeToString(delta),
		})
	})
	return s
}

// PeerID returns the session's ephemeral peer identifier.
func (s *Session) PeerID() string { return s.peerID }

// Status returns the current user-visible state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatusChange registers the state-change callback.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// OnChatMessage registers the deduplicated chat delivery callback.
func (s *Session) OnChatMessage(fn func(ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChat = fn
}

// OnDocumentChange registers a callback fired after the document text
// changes for any reason, local or remote.
func (s *Session) OnDocumentChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDocChange = fn
}

// OnFallbackText registers the callback for whole-document text
// received from peers without a synchronized replica. Display only; it
// never mutates the local replica.
func (s *Session) OnFallbackText(fn func(peerID, text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFallbackText = fn
}

// OnTyping registers the typing indicator callback.
func (s *Session) OnTyping(fn func(peerID string, typing bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTyping = fn
}

// Join runs admission and, when admitted, announces this peer to the
// room. On refusal the session status reports why and the error
// carries the admission sentinel.
func (s *Session) Join(ctx context.Context) error {
	s.setStatus(StatusJoining)

	if err := s.guard.Refresh(ctx); err != nil {
		return fmt.Errorf("loading room authority: %w", err)
	}
	if s.guard.Expired() {
		s.setStatus(StatusEnded)
		return fmt.Errorf("session: room %s has expired", s.roomID)
	}

	// Handlers before Track: an envelope arriving between the two must
	// not be lost.
	s.bus.SetHandler(s.handleRelayEnvelope)
	s.bus.OnPresenceSync(s.presenceChanged)

	isCreator := s.guard.IsCreator(s.identity.UserID())
	entries := s.bus.Presence()
	evaluation := s.evaluateWith(entries)
	if err := presence.Gate(entries, s.guard.Locked(), isCreator, evaluation.Capacity, s.peerID); err != nil {
		switch {
		case errors.Is(err, presence.ErrRoomFull):
			s.setStatus(StatusRoomFull)
		case errors.Is(err, presence.ErrRoomLocked):
			s.setStatus(StatusBlocked)
		}
		return err
	}

	var capacityHint int
	if isCreator {
		capacityHint = s.guard.Meta().MaxPeersTier
	}
	meta := signal.PresenceMeta{
		PeerID:       s.peerID,
		JoinedAt:     s.clk.Now().UnixMilli(),
		UserID:       s.identity.UserID(),
		CapacityHint: capacityHint,
	}
	if err := s.bus.Track(ctx, meta); err != nil {
		return fmt.Errorf("tracking presence: %w", err)
	}

	hello, err := protocol.New(protocol.KindHello, s.peerID, protocol.HelloPayload{
		UserID:       s.identity.UserID(),
		CapacityHint: capacityHint,
		DisplayName:  s.displayName,
	})
	if err != nil {
		return err
	}
	if err := s.seal(&hello); err != nil {
		return err
	}
	s.sender.Send(ctx, hello)

	s.manager.Start(s.ctx)
	s.guard.Start(s.ctx)
	s.awareness.SetIdentity(s.displayName, s.color)

	s.setStatus(StatusActive)
	s.event("session.joined", map[string]any{"creator": isCreator})
	s.log.Info("joined room", "creator", isCreator, "capacity", evaluation.Capacity)
	return nil
}

// Leave tears the session down. The creator additionally broadcasts
// the end of the room and best-effort persists it. Idempotent.
func (s *Session) Leave(ctx context.Context) {
	userID := s.identity.UserID()
	if s.Status() == StatusActive && s.guard.IsCreator(userID) {
		s.broadcastControl(protocol.ControlPayload{
			Action:       protocol.ControlEnd,
			SenderUserID: userID,
		})
		if err := s.guard.End(ctx, userID); err != nil {
			s.log.Warn("persisting room end failed", "error", err)
		}
	}
	s.shutdown(StatusLeft)
}

// shutdown closes everything once and lands on the given terminal
// status.
func (s *Session) shutdown(final Status) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.manager.Close()
		s.guard.Close()
		if err := s.bus.Untrack(context.Background()); err != nil {
			s.log.Debug("untrack failed", "error", err)
		}
		if err := s.bus.Close(); err != nil {
			s.log.Debug("bus close failed", "error", err)
		}
		s.setStatus(final)
		s.log.Info("session closed", "status", final)
	})
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	hook := s.onStatus
	s.mu.Unlock()
	if hook != nil {
		hook(status)
	}
}

func (s *Session) docChanged() {
	s.mu.Lock()
	hook := s.onDocChange
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// event reports to the telemetry sink, if any. Never blocks the
// session on a sink.
func (s *Session) event(name string, attrs map[string]any) {
	if s.telemetry == nil {
		return
	}
	go s.telemetry.Event(name, attrs)
}

func (s *Session) currentKey() *crypto.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) seal(env *protocol.Envelope) error {
	return env.Seal(s.currentKey())
}

// evaluate computes the admission view from the live presence mirror.
func (s *Session) evaluate() presence.Evaluation {
	return s.evaluateWith(s.bus.Presence())
}

func (s *Session) evaluateWith(entries []signal.PresenceMeta) presence.Evaluation {
	capacity := s.defaultMaxPeers
	if tier := s.guard.Meta().MaxPeersTier; tier > 0 {
		capacity = tier
	}
	return presence.Evaluate(entries, s.guard.Meta().CreatorUserID, capacity, s.peerID)
}

func (s *Session) isHost(evaluation presence.Evaluation) bool {
	return evaluation.HostPeerID == s.peerID
}

func (s *Session) mode(evaluation presence.Evaluation) topology.Mode {
	return topology.ModeFor(len(evaluation.Order), evaluation.HostPeerID != "")
}
