// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/base64"
	"errors"

	"github.com/syncpad-foundation/syncpad/crypto"
	"github.com/syncpad-foundation/syncpad/fallback"
	"github.com/syncpad-foundation/syncpad/protocol"
	"github.com/syncpad-foundation/syncpad/topology"
)

// sendSignal publishes a signaling envelope from the link manager over
// the relay, with the standard retry schedule.
func (s *Session) sendSignal(env protocol.Envelope) {
	if err := s.seal(&env); err != nil {
		s.log.Error("sealing signaling envelope failed", "kind", env.Kind, "error", err)
		return
	}
	s.sender.Go(s.ctx, env)
}

// handleRelayEnvelope processes one envelope delivered by the relay.
// Malformed or unauthorized envelopes are logged and dropped; they
// never affect later messages.
func (s *Session) handleRelayEnvelope(env protocol.Envelope) {
	if env.From == s.peerID || !env.DirectedAt(s.peerID) {
		return
	}
	if s.guard.Denied(env.From) {
		return
	}

	switch env.Kind {
	case protocol.KindHello:
		s.handleHello(env)
	case protocol.KindOffer:
		// Connections are for admitted members only; an offer from
		// outside the capacity window gets no channel and no snapshot.
		if !s.admitted(env.From) {
			s.log.Warn("offer from peer outside the room ignored", "from", env.From)
			return
		}
		var offer protocol.OfferPayload
		if s.openPayload(env, &offer) {
			if err := s.manager.HandleOffer(env.From, offer); err != nil {
				s.log.Warn("handling offer failed", "from", env.From, "error", err)
			}
		}
	case protocol.KindAnswer:
		var answer protocol.AnswerPayload
		if s.openPayload(env, &answer) {
			if err := s.manager.HandleAnswer(env.From, answer); err != nil {
				s.log.Warn("handling answer failed", "from", env.From, "error", err)
			}
		}
	case protocol.KindICE:
		var candidate protocol.ICEPayload
		if s.openPayload(env, &candidate) {
			if err := s.manager.HandleICE(env.From, candidate); err != nil {
				s.log.Warn("handling ICE candidate failed", "from", env.From, "error", err)
			}
		}
	default:
		// Relay fallback content carries an allow list; receivers
		// outside it drop the envelope.
		if !env.AllowedFor(s.peerID) {
			return
		}
		s.handleContent(env)
	}
}

// handleChannelEnvelope processes one envelope from a peer data
// channel and, when hubbing a star, forwards broadcast traffic once to
// the other spokes.
func (s *Session) handleChannelEnvelope(from string, env protocol.Envelope) {
	if s.guard.Denied(from) {
		return
	}
	if env.To == "" {
		s.relayAsHub(from, env)
	}
	if env.DirectedAt(s.peerID) {
		s.handleContent(env)
	}
}

// relayAsHub forwards a channel envelope to the other spokes when this
// peer is the star hub.
func (s *Session) relayAsHub(from string, env protocol.Envelope) {
	evaluation := s.evaluate()
	targets := topology.RelayTargets(
		s.mode(evaluation),
		s.isHost(evaluation),
		env.Relayed,
		from,
		s.manager.Connected(),
	)
	if len(targets) == 0 {
		return
	}
	forwarded := env
	forwarded.Relayed = true
	s.manager.Broadcast(targets, forwarded)
}

// handleHello reacts to a newcomer's announcement: when the topology
// says this side initiates, dial.
func (s *Session) handleHello(env protocol.Envelope) {
	var hello protocol.HelloPayload
	if !s.openPayload(env, &hello) {
		return
	}

	evaluation := s.evaluate()
	if !evaluation.SelfWithin || !contains(evaluation.Within, env.From) {
		// Over-capacity arrivals get presence visibility, not links.
		return
	}

	if !topology.HelloDialer(s.mode(evaluation), s.isHost(evaluation), env.From, evaluation.HostPeerID) {
		return
	}
	if err := s.manager.Dial(env.From); err != nil {
		s.log.Warn("dialing newcomer failed", "peer", env.From, "error", err)
	}
}

// admitted reports whether a peer is currently in the within-capacity
// member set. Peers outside it get presence visibility only.
func (s *Session) admitted(peerID string) bool {
	evaluation := s.evaluate()
	return evaluation.SelfWithin && contains(evaluation.Within, peerID)
}

// handleContent applies one collaboration envelope, whichever
// transport carried it.
func (s *Session) handleContent(env protocol.Envelope) {
	payload, err := env.Open(s.currentKey())
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			s.log.Warn("envelope failed authentication, dropped",
				"kind", env.Kind,
				"from", env.From)
			s.event("session.auth_failure", map[string]any{"from": env.From})
			return
		}
		s.log.Warn("opening envelope failed", "kind", env.Kind, "error", err)
		return
	}

	switch env.Kind {
	case protocol.KindDocUpdate:
		s.applyDocUpdate(env.From, payload)
	case protocol.KindAwareness:
		s.applyAwareness(env.From, payload)
	case protocol.KindText:
		var text protocol.TextPayload
		if err := protocol.DecodePayload(payload, &text); err != nil {
			s.log.Warn("malformed text payload", "from", env.From, "error", err)
			return
		}
		s.mu.Lock()
		hook := s.onFallbackText
		s.mu.Unlock()
		if hook != nil {
			hook(env.From, text.Text)
		}
	case protocol.KindTyping:
		var typing protocol.TypingPayload
		if err := protocol.DecodePayload(payload, &typing); err != nil {
			return
		}
		s.mu.Lock()
		hook := s.onTyping
		s.mu.Unlock()
		if hook != nil {
			hook(env.From, typing.Typing)
		}
	case protocol.KindChat:
		s.applyChat(env.From, payload)
	case protocol.KindRekey:
		s.applyRekey(env.From, payload)
	case protocol.KindControl:
		s.applyControl(payload)
	default:
		s.log.Debug("ignoring envelope", "kind", env.Kind, "from", env.From)
	}
}

func (s *Session) applyDocUpdate(from string, payload []byte) {
	var update protocol.DocUpdatePayload
	if err := protocol.DecodePayload(payload, &update); err != nil {
		s.log.Warn("malformed document update", "from", from, "error", err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(update.Update)
	if err != nil {
		s.log.Warn("document update not base64", "from", from, "error", err)
		return
	}

	if update.Snapshot {
		err = s.doc.ApplySnapshot(data)
	} else {
		err = s.doc.ApplyDelta(data)
	}
	if err != nil {
		s.log.Warn("applying document update failed",
			"from", from,
			"snapshot", update.Snapshot,
			"error", err)
		return
	}
	s.docChanged()
}

func (s *Session) applyAwareness(from string, payload []byte) {
	var update protocol.AwarenessPayload
	if err := protocol.DecodePayload(payload, &update); err != nil {
		s.log.Warn("malformed awareness update", "from", from, "error", err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(update.Update)
	if err != nil {
		return
	}
	if err := s.awareness.ApplyDelta(data); err != nil {
		s.log.Warn("applying awareness update failed", "from", from, "error", err)
	}
}

func (s *Session) applyChat(from string, payload []byte) {
	var chat protocol.ChatPayload
	if err := protocol.DecodePayload(payload, &chat); err != nil {
		s.log.Warn("malformed chat payload", "from", from, "error", err)
		return
	}
	id := chat.ID
	if id == "" {
		id = fallback.MessageID(from, chat.Text, chat.Timestamp)
	}
	if !s.dedup.Observe(id) {
		return
	}

	s.mu.Lock()
	hook := s.onChat
	s.mu.Unlock()
	if hook != nil {
		hook(ChatMessage{ID: id, From: from, Text: chat.Text, Timestamp: chat.Timestamp})
	}
}

// applyRekey swaps the room key. The envelope was sealed under the
// outgoing key, so reaching this point proves the sender held it; the
// rotation is additionally restricted to the resolved host.
func (s *Session) applyRekey(from string, payload []byte) {
	if evaluation := s.evaluate(); evaluation.HostPeerID != from {
		s.log.Warn("rekey from non-host ignored", "from", from)
		return
	}
	var rekey protocol.RekeyPayload
	if err := protocol.DecodePayload(payload, &rekey); err != nil {
		s.log.Warn("malformed rekey payload", "from", from, "error", err)
		return
	}
	material, err := base64.StdEncoding.DecodeString(rekey.KeyMaterial)
	if err != nil {
		s.log.Warn("rekey material not base64", "from", from, "error", err)
		return
	}
	key, err := crypto.ImportKey(material)
	if err != nil {
		s.log.Warn("importing rotated key failed", "from", from, "error", err)
		return
	}

	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	s.log.Info("room key rotated", "fingerprint", key.Fingerprint())
	s.event("session.rekeyed", map[string]any{"fingerprint": key.Fingerprint()})
}

// applyControl validates and applies a room authority action. The
// sender must be the room creator; anything else is ignored outright.
func (s *Session) applyControl(payload []byte) {
	var control protocol.ControlPayload
	if err := protocol.DecodePayload(payload, &control); err != nil {
		s.log.Warn("malformed control payload", "error", err)
		return
	}
	if !s.guard.IsCreator(control.SenderUserID) {
		s.log.Warn("control message from non-creator ignored",
			"action", control.Action,
			"claimed_user", control.SenderUserID)
		return
	}

	switch control.Action {
	case protocol.ControlLock:
		s.guard.ApplyLock(true)
	case protocol.ControlUnlock:
		s.guard.ApplyLock(false)
	case protocol.ControlEnd:
		s.log.Info("room ended by creator")
		s.shutdown(StatusEnded)
	case protocol.ControlKick:
		if control.TargetPeerID == s.peerID {
			s.log.Info("kicked from room")
			s.shutdown(StatusKicked)
			return
		}
		s.guard.Deny(control.TargetPeerID)
		s.manager.Teardown(control.TargetPeerID)
	default:
		s.log.Warn("unknown control action ignored", "action", control.Action)
	}
}

// syncNewChannel pushes the full document state and our awareness
// entry to a peer whose channel just opened. Both sides do this; the
// merge is idempotent, so the double exchange converges.
func (s *Session) syncNewChannel(peerID string) {
	snap, err := s.doc.Snapshot()
	if err != nil {
		s.log.Warn("snapshot for new channel failed", "peer", peerID, "error", err)
	} else {
		env, err := protocol.NewDirected(protocol.KindDocUpdate, s.peerID, peerID, protocol.DocUpdatePayload{
			Update:   base64.StdEncoding.EncodeToString(snap),
			Snapshot: true,
		})
		if err == nil && s.seal(&env) == nil {
			if err := s.manager.Send(peerID, env); err != nil {
				s.log.Debug("snapshot send failed", "peer", peerID, "error", err)
			}
		}
	}

	if delta := s.awareness.LocalDelta(); delta != nil {
		env, err := protocol.NewDirected(protocol.KindAwareness, s.peerID, peerID, protocol.AwarenessPayload{
			Update: base64.StdEncoding.EncodeToString(delta),
		})
		if err == nil && s.seal(&env) == nil {
			if err := s.manager.Send(peerID, env); err != nil {
				s.log.Debug("awareness send failed", "peer", peerID, "error", err)
			}
		}
	}
}

// presenceChanged reconciles links with the new membership snapshot
// and the topology mode it implies.
func (s *Session) presenceChanged() {
	evaluation := s.evaluate()
	mode := s.mode(evaluation)
	connected := s.manager.Connected()

	present := make(map[string]bool, len(evaluation.Order))
	for _, peerID := range evaluation.Order {
		present[peerID] = true
	}

	// Links to departed peers are dead weight.
	for _, peerID := range connected {
		if !present[peerID] {
			s.manager.Teardown(peerID)
		}
	}

	// Spokes initiate every star link; the host only answers. One dial
	// direction means a topology change never produces two offers
	// racing for the same link.
	if mode == topology.ModeStar && !s.isHost(evaluation) {
		for _, peerID := range topology.StaleConnections(mode, false, evaluation.HostPeerID, connected) {
			s.manager.Teardown(peerID)
		}
		if evaluation.HostPeerID != "" && !contains(connected, evaluation.HostPeerID) {
			if err := s.manager.Dial(evaluation.HostPeerID); err != nil {
				s.log.Warn("dialing host failed", "peer", evaluation.HostPeerID, "error", err)
			}
		}
	}
}

// broadcastContent routes a locally originated update: direct channels
// per the topology, relay fallback with an allow list for admitted
// peers we cannot reach directly.
func (s *Session) broadcastContent(kind protocol.Kind, payload any) {
	env, err := protocol.New(kind, s.peerID, payload)
	if err != nil {
		s.log.Error("encoding envelope failed", "kind", kind, "error", err)
		return
	}
	if err := s.seal(&env); err != nil {
		s.log.Error("sealing envelope failed", "kind", kind, "error", err)
		return
	}

	evaluation := s.evaluate()
	targets := topology.SendTargets(
		s.mode(evaluation),
		s.isHost(evaluation),
		evaluation.HostPeerID,
		s.manager.Connected(),
	)
	s.manager.Broadcast(targets, env)

	if !evaluation.SelfWithin {
		return
	}
	if missing := fallback.MissingPeers(evaluation.Within, targets, s.peerID); len(missing) > 0 {
		relayEnv := env
		relayEnv.Allow = evaluation.Within
		s.sender.Go(s.ctx, relayEnv)
	}
}

// broadcastControl sends a room authority action over every path so it
// reaches peers with and without direct links.
func (s *Session) broadcastControl(control protocol.ControlPayload) {
	env, err := protocol.New(protocol.KindControl, s.peerID, control)
	if err != nil {
		s.log.Error("encoding control failed", "action", control.Action, "error", err)
		return
	}
	if err := s.seal(&env); err != nil {
		return
	}
	s.manager.Broadcast(s.manager.Connected(), env)
	s.sender.Go(s.ctx, env)
}

// openPayload opens and decodes a signaling payload, logging failures.
func (s *Session) openPayload(env protocol.Envelope, v any) bool {
	payload, err := env.Open(s.currentKey())
	if err != nil {
		s.log.Warn("opening payload failed", "kind", env.Kind, "from", env.From, "error", err)
		return false
	}
	if err := protocol.DecodePayload(payload, v); err != nil {
		s.log.Warn("decoding payload failed", "kind", env.Kind, "from", env.From, "error", err)
		return false
	}
	return true
}

func contains(peerIDs []string, peerID string) bool {
	for _, id := range peerIDs {
		if id == peerID {
			return true
		}
	}
	return false
}
