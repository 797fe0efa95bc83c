// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/syncpad-foundation/syncpad/lib/clock"
	"github.com/syncpad-foundation/syncpad/protocol"
)

// heartbeatInterval is how often an open channel is pinged.
const heartbeatInterval = 3 * time.Second

// heartbeatTimeout declares a link dead when no pong arrived within it.
const heartbeatTimeout = 8 * time.Second

// ICE restart backoff: 300ms doubling per attempt, capped at 2s, at
// most three attempts before the link is torn down for good.
const (
	restartBackoffBase = 300 * time.Millisecond
	restartBackoffCap  = 2 * time.Second
	maxRestartAttempts = 3
)

// restartAnswerTimeout bounds the wait for an answer to a restart
// offer. A gone peer never answers, so without this the retry loop
// would stall after the first offer instead of spending the budget.
const restartAnswerTimeout = 5 * time.Second

// maxBufferedAmount is the send-side high-water mark. A channel
// buffered beyond it drops further updates instead of queueing without
// bound behind a slow receiver; the eventually-convergent layers above
// absorb the loss.
const maxBufferedAmount = 768 * 1024

// dataChannelLabel names the single collaboration channel per peer.
const dataChannelLabel = "syncpad"

// ErrNotConnected is returned by Send when no open channel exists for
// the peer.
var ErrNotConnected = errors.New("transport: no open channel to peer")

// RestartDelay returns the backoff before ICE restart attempt n
// (zero-based).
func RestartDelay(attempt int) time.Duration {
	delay := restartBackoffBase << attempt
	if delay > restartBackoffCap || delay <= 0 {
		return restartBackoffCap
	}
	return delay
}

// Config carries the manager's dependencies.
type Config struct {
	SelfPeerID string
	ICEServers []string
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Manager owns every peer link of one session. Signaling envelopes go
// out through OnSignal and come back in through the Handle methods;
// collaboration envelopes go out through Send and come in through
// OnEnvelope. Ping and pong are consumed internally.
type Manager struct {
	selfID     string
	iceServers []string
	clk        clock.Clock
	log        *slog.Logger

	mu    sync.Mutex
	links map[string]*link

	onSignal       func(env protocol.Envelope)
	onEnvelope     func(peerID string, env protocol.Envelope)
	onChannelOpen  func(peerID string)
	onPeersChanged func()

	closed    chan struct{}
	closeOnce sync.Once
}

// NewManager creates a link manager. A nil Clock gets the real clock.
func NewManager(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		selfID:     cfg.SelfPeerID,
		iceServers: cfg.ICEServers,
		clk:        clk,
		log:        log,
		links:      make(map[string]*link),
		closed:     make(chan struct{}),
	}
}

// OnSignal registers the outgoing signaling hook. Must be set before
// Dial or the Handle methods are used.
func (m *Manager) OnSignal(fn func(env protocol.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSignal = fn
}

// OnEnvelope registers the inbound collaboration envelope hook.
func (m *Manager) OnEnvelope(fn func(peerID string, env protocol.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnvelope = fn
}

// OnChannelOpen registers the hook fired when a peer's data channel
// opens, for state sync toward the new arrival.
func (m *Manager) OnChannelOpen(fn func(peerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChannelOpen = fn
}

// OnPeersChanged registers the hook fired whenever the connected set
// changes.
func (m *Manager) OnPeersChanged(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeersChanged = fn
}

// Start runs the heartbeat loop until ctx is cancelled or Close.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := m.clk.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.heartbeat()
			case <-ctx.Done():
				return
			case <-m.closed:
				return
			}
		}
	}()
}

// Close tears down every link. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })

	m.mu.Lock()
	peerIDs := make([]string, 0, len(m.links))
	for peerID := range m.links {
		peerIDs = append(peerIDs, peerID)
	}
	m.mu.Unlock()

	for _, peerID := range peerIDs {
		m.Teardown(peerID)
	}
}

// Dial opens a link to a newly announced peer and sends the offer.
// A link that already exists is left alone.
func (m *Manager) Dial(peerID string) error {
	m.mu.Lock()
	if _, ok := m.links[peerID]; ok {
		m.mu.Unlock()
		return nil
	}
	l, err := m.newLinkLocked(peerID, true)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	ordered := true
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		m.Teardown(peerID)
		return fmt.Errorf("creating data channel to %s: %w", peerID, err)
	}
	m.wireDataChannel(l, dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		m.Teardown(peerID)
		return fmt.Errorf("creating offer for %s: %w", peerID, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		m.Teardown(peerID)
		return fmt.Errorf("setting local offer for %s: %w", peerID, err)
	}

	m.signal(protocol.KindOffer, peerID, protocol.OfferPayload{SDP: offer.SDP})
	m.log.Debug("offer sent", "peer", peerID)
	return nil
}

// HandleOffer answers an inbound offer. A restart offer reuses the
// existing PeerConnection; any other offer for a peer we already track
// replaces the old link, the offerer's view wins.
func (m *Manager) HandleOffer(from string, offer protocol.OfferPayload) error {
	m.mu.Lock()
	l, ok := m.links[from]
	if ok && !offer.Restart {
		m.mu.Unlock()
		m.log.Warn("unexpected offer for live link, replacing", "peer", from)
		m.Teardown(from)
		m.mu.Lock()
		ok = false
	}
	if !ok {
		var err error
		l, err = m.newLinkLocked(from, false)
		if err != nil {
			m.mu.Unlock()
			return err
		}
	}
	l.remoteSet = false
	m.mu.Unlock()

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		m.Teardown(from)
		return fmt.Errorf("setting remote offer from %s: %w", from, err)
	}
	m.flushPendingICE(l)

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		m.Teardown(from)
		return fmt.Errorf("creating answer for %s: %w", from, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		m.Teardown(from)
		return fmt.Errorf("setting local answer for %s: %w", from, err)
	}

	m.signal(protocol.KindAnswer, from, protocol.AnswerPayload{SDP: answer.SDP})
	m.log.Debug("offer answered", "peer", from, "restart", offer.Restart)
	return nil
}

// HandleAnswer completes the offer round-trip on the dialing side.
func (m *Manager) HandleAnswer(from string, answer protocol.AnswerPayload) error {
	m.mu.Lock()
	l, ok := m.links[from]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: answer from %s without a link", from)
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("setting remote answer from %s: %w", from, err)
	}
	m.flushPendingICE(l)
	return nil
}

// HandleICE adds a trickled remote candidate, buffering it when the
// remote description has not landed yet.
func (m *Manager) HandleICE(from string, candidate protocol.ICEPayload) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}

	m.mu.Lock()
	l, ok := m.links[from]
	if !ok {
		m.mu.Unlock()
		// Candidates for a link we tore down race in harmlessly.
		return nil
	}
	if !l.remoteSet {
		l.pendingICE = append(l.pendingICE, init)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ICE candidate from %s: %w", from, err)
	}
	return nil
}

// flushPendingICE marks the remote description set and replays
// buffered candidates.
func (m *Manager) flushPendingICE(l *link) {
	m.mu.Lock()
	l.remoteSet = true
	pending := l.pendingICE
	l.pendingICE = nil
	m.mu.Unlock()

	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			m.log.Warn("buffered ICE candidate rejected",
				"peer", l.peerID,
				"error", err)
		}
	}
}

// Send delivers one envelope over the peer's data channel. A channel
// buffered past the high-water mark drops the envelope silently.
func (m *Manager) Send(peerID string, env protocol.Envelope) error {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if !ok || l.state != StateConnected || l.dc == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	dc := l.dc
	m.mu.Unlock()

	if dc.BufferedAmount() > maxBufferedAmount {
		m.log.Debug("channel backpressure, dropping envelope",
			"peer", peerID,
			"kind", env.Kind)
		return nil
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("sending to %s: %w", peerID, err)
	}
	return nil
}

// Broadcast sends an envelope to each target, skipping the ones
// without an open channel.
func (m *Manager) Broadcast(targets []string, env protocol.Envelope) {
	for _, peerID := range targets {
		if err := m.Send(peerID, env); err != nil && !errors.Is(err, ErrNotConnected) {
			m.log.Warn("broadcast send failed", "peer", peerID, "error", err)
		}
	}
}

// Connected returns the peer ids with an open channel, sorted.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var connected []string
	for peerID, l := range m.links {
		if l.state == StateConnected {
			connected = append(connected, peerID)
		}
	}
	sort.Strings(connected)
	return connected
}

// Diagnostic is the observable state of one link.
type Diagnostic struct {
	PeerID          string
	State           LinkState
	Dialer          bool
	RestartAttempts int
}

// Diagnostics returns a sorted snapshot of every link.
func (m *Manager) Diagnostics() []Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()
	diags := make([]Diagnostic, 0, len(m.links))
	for peerID, l := range m.links {
		diags = append(diags, Diagnostic{
			PeerID:          peerID,
			State:           l.state,
			Dialer:          l.dialer,
			RestartAttempts: l.restartAttempts,
		})
	}
	sort.Slice(diags, func(i, j int) bool { return diags[i].PeerID < diags[j].PeerID })
	return diags
}

// Teardown closes and forgets a link. Idempotent; candidates and
// signaling arriving afterwards are ignored.
func (m *Manager) Teardown(peerID string) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.links, peerID)
	l.state = StateClosed
	if l.restartTimer != nil {
		l.restartTimer.Stop()
	}
	m.mu.Unlock()

	if l.dc != nil {
		l.dc.Close()
	}
	l.pc.Close()
	m.log.Debug("link torn down", "peer", peerID)
	m.peersChanged()
}

// newLinkLocked creates a link and its PeerConnection. Caller holds
// m.mu.
func (m *Manager) newLinkLocked(peerID string, dialer bool) (*link, error) {
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating peer connection for %s: %w", peerID, err)
	}

	l := &link{
		peerID:   peerID,
		pc:       pc,
		state:    StateConnecting,
		dialer:   dialer,
		lastPong: m.clk.Now(),
	}
	m.links[peerID] = l

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		m.signal(protocol.KindICE, peerID, protocol.ICEPayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.handleICEState(l, state)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			dc.Close()
			return
		}
		m.wireDataChannel(l, dc)
	})
	return l, nil
}

// newPeerConnection creates a pion PeerConnection. Loopback candidates
// are enabled so two sessions on one machine (and the test suite) can
// connect without a reflexive candidate.
func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	var servers []webrtc.ICEServer
	if len(m.iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: m.iceServers}}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// wireDataChannel attaches the channel handlers to a link.
func (m *Manager) wireDataChannel(l *link, dc *webrtc.DataChannel) {
	m.mu.Lock()
	l.dc = dc
	m.mu.Unlock()

	dc.OnOpen(func() {
		m.mu.Lock()
		l.state = StateConnected
		l.restartAttempts = 0
		l.lastPong = m.clk.Now()
		openHook := m.onChannelOpen
		m.mu.Unlock()

		m.log.Info("channel open", "peer", l.peerID)
		if openHook != nil {
			openHook(l.peerID)
		}
		m.peersChanged()
	})

	dc.OnClose(func() {
		m.mu.Lock()
		stillOurs := m.links[l.peerID] == l
		m.mu.Unlock()
		if stillOurs {
			m.log.Info("channel closed by peer", "peer", l.peerID)
			m.Teardown(l.peerID)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.handleChannelMessage(l, msg.Data)
	})
}

// handleChannelMessage decodes an inbound envelope and dispatches it.
// Heartbeats are consumed here; everything else goes up.
func (m *Manager) handleChannelMessage(l *link, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.log.Warn("malformed envelope on channel",
			"peer", l.peerID,
			"error", err)
		return
	}

	switch env.Kind {
	case protocol.KindPing:
		pong, err := protocol.NewDirected(protocol.KindPong, m.selfID, l.peerID, nil)
		if err != nil {
			return
		}
		if err := m.Send(l.peerID, pong); err != nil && !errors.Is(err, ErrNotConnected) {
			m.log.Debug("pong send failed", "peer", l.peerID, "error", err)
		}
	case protocol.KindPong:
		m.mu.Lock()
		l.lastPong = m.clk.Now()
		m.mu.Unlock()
	default:
		m.mu.Lock()
		handler := m.onEnvelope
		m.mu.Unlock()
		if handler != nil {
			handler(l.peerID, env)
		}
	}
}

// handleICEState reacts to pion's connection state.
func (m *Manager) handleICEState(l *link, state webrtc.ICEConnectionState) {
	m.log.Debug("ICE state", "peer", l.peerID, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.mu.Lock()
		if m.links[l.peerID] != l {
			m.mu.Unlock()
			return
		}
		l.restartAttempts = 0
		l.lastPong = m.clk.Now()
		if l.restartTimer != nil {
			l.restartTimer.Stop()
			l.restartTimer = nil
		}
		// An ICE restart revives the transport under the existing data
		// channel; the channel never re-fires OnOpen, so the connected
		// state is restored here.
		recovered := l.state == StateDisconnected &&
			l.dc != nil && l.dc.ReadyState() == webrtc.DataChannelStateOpen
		if recovered {
			l.state = StateConnected
		}
		m.mu.Unlock()
		if recovered {
			m.log.Info("link recovered", "peer", l.peerID)
			m.peersChanged()
		}

	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		m.linkLost(l)

	case webrtc.ICEConnectionStateClosed:
		m.mu.Lock()
		stillOurs := m.links[l.peerID] == l
		m.mu.Unlock()
		if stillOurs {
			m.Teardown(l.peerID)
		}
	}
}

// linkLost moves a link to disconnected and starts recovery: the
// dialer schedules an ICE restart, the answerer tears down and waits
// to be re-dialed.
func (m *Manager) linkLost(l *link) {
	m.mu.Lock()
	if m.links[l.peerID] != l || l.state == StateDisconnected || l.state == StateClosed {
		m.mu.Unlock()
		return
	}
	wasConnected := l.state == StateConnected
	l.state = StateDisconnected
	dialer := l.dialer
	m.mu.Unlock()

	if wasConnected {
		m.peersChanged()
	}
	if dialer {
		m.scheduleRestart(l)
	} else {
		m.Teardown(l.peerID)
	}
}

// scheduleRestart arms the next ICE restart attempt, or gives up and
// tears down when the budget is spent.
func (m *Manager) scheduleRestart(l *link) {
	m.mu.Lock()
	if m.links[l.peerID] != l {
		m.mu.Unlock()
		return
	}
	if l.restartAttempts >= maxRestartAttempts {
		m.mu.Unlock()
		m.log.Warn("ICE restart budget exhausted", "peer", l.peerID)
		m.Teardown(l.peerID)
		return
	}
	attempt := l.restartAttempts
	l.restartAttempts++
	l.restartTimer = m.clk.AfterFunc(RestartDelay(attempt), func() {
		m.restartICE(l)
	})
	m.mu.Unlock()

	m.log.Info("ICE restart scheduled",
		"peer", l.peerID,
		"attempt", attempt+1,
		"delay", RestartDelay(attempt))
}

// restartICE issues a restart offer on the existing PeerConnection,
// then waits a bounded time for the answer. Local failure and an
// unanswered offer both consume one attempt from the same budget.
func (m *Manager) restartICE(l *link) {
	m.mu.Lock()
	if m.links[l.peerID] != l || l.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	l.remoteSet = false
	m.mu.Unlock()

	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		m.log.Warn("restart offer failed", "peer", l.peerID, "error", err)
		m.scheduleRestart(l)
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		m.log.Warn("restart local description failed", "peer", l.peerID, "error", err)
		m.scheduleRestart(l)
		return
	}
	m.signal(protocol.KindOffer, l.peerID, protocol.OfferPayload{SDP: offer.SDP, Restart: true})

	m.mu.Lock()
	if m.links[l.peerID] == l && l.state == StateDisconnected {
		l.restartTimer = m.clk.AfterFunc(restartAnswerTimeout, func() {
			m.restartUnanswered(l)
		})
	}
	m.mu.Unlock()
}

// restartUnanswered fires when a restart offer got no answer within the
// window: the next attempt is scheduled, or the budget check tears the
// link down. Recovery in the meantime cancels the timer, so reaching
// here on a live link only happens in a benign race with the ICE
// Connected callback, which the state check absorbs.
func (m *Manager) restartUnanswered(l *link) {
	m.mu.Lock()
	if m.links[l.peerID] != l || l.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	attempt := l.restartAttempts
	m.mu.Unlock()

	m.log.Warn("restart offer unanswered", "peer", l.peerID, "attempt", attempt)
	m.scheduleRestart(l)
}

// heartbeat pings every open channel and tears into recovery for the
// ones whose pong is overdue.
func (m *Manager) heartbeat() {
	m.mu.Lock()
	now := m.clk.Now()
	var live []*link
	var lost []*link
	for _, l := range m.links {
		if l.state != StateConnected {
			continue
		}
		if now.Sub(l.lastPong) > heartbeatTimeout {
			lost = append(lost, l)
			continue
		}
		live = append(live, l)
	}
	m.mu.Unlock()

	for _, l := range live {
		ping, err := protocol.NewDirected(protocol.KindPing, m.selfID, l.peerID, nil)
		if err != nil {
			continue
		}
		if err := m.Send(l.peerID, ping); err != nil && !errors.Is(err, ErrNotConnected) {
			m.log.Debug("ping send failed", "peer", l.peerID, "error", err)
		}
	}
	for _, l := range lost {
		m.log.Warn("heartbeat timeout", "peer", l.peerID)
		m.linkLost(l)
	}
}

// signal emits an outgoing signaling envelope.
func (m *Manager) signal(kind protocol.Kind, to string, payload any) {
	m.mu.Lock()
	hook := m.onSignal
	m.mu.Unlock()
	if hook == nil {
		return
	}
	env, err := protocol.NewDirected(kind, m.selfID, to, payload)
	if err != nil {
		m.log.Error("encoding signaling envelope failed", "kind", kind, "error", err)
		return
	}
	hook(env)
}

// peersChanged fires the connected-set hook.
func (m *Manager) peersChanged() {
	m.mu.Lock()
	hook := m.onPeersChanged
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}
