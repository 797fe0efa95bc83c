// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/syncpad-foundation/syncpad/lib/clock"
	"github.com/syncpad-foundation/syncpad/protocol"
)

// sendMaxRetries is how many times a failed publish is retried before
// the envelope is abandoned. Signaling is best-effort: a lost hello or
// offer is recovered by the connection manager's own restart path.
const sendMaxRetries = 3

// retryBaseDelay and retryMaxDelay bound the backoff between publish
// attempts: min(retryMaxDelay, retryBaseDelay * 2^attempt).
const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Sender wraps a Bus with bounded-backoff retry. A Sender is cheap and
// shared by every component that publishes to the relay.
type Sender struct {
	bus    Bus
	clock  clock.Clock
	logger *slog.Logger

	// closed aborts pending retries when the session tears down.
	closed <-chan struct{}
}

// NewSender creates a retrying publisher over bus. The closed channel
// cancels in-flight retry waits on session teardown.
func NewSender(bus Bus, clk clock.Clock, logger *slog.Logger, closed <-chan struct{}) *Sender {
	return &Sender{bus: bus, clock: clk, logger: logger, closed: closed}
}

// RetryDelay returns the backoff before retry number attempt (zero
// based): 200ms, 400ms, 800ms, capped at 2s.
func RetryDelay(attempt int) time.Duration {
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay || delay <= 0 {
		return retryMaxDelay
	}
	return delay
}

// Send publishes env, retrying up to sendMaxRetries times with
// exponential backoff, then gives up silently. Blocks for the duration
// of the attempts; use Go for fire-and-forget.
func (s *Sender) Send(ctx context.Context, env protocol.Envelope) {
	for attempt := 0; attempt <= sendMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-s.clock.After(RetryDelay(attempt - 1)):
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
		}

		err := s.bus.Publish(ctx, env)
		if err == nil {
			return
		}
		s.logger.Warn("relay publish failed",
			"kind", env.Kind,
			"attempt", attempt+1,
			"error", err,
		)
	}
	s.logger.Debug("relay publish abandoned", "kind", env.Kind)
}

// Go publishes env on a new goroutine so callers holding locks never
// block on relay I/O.
func (s *Sender) Go(ctx context.Context, env protocol.Envelope) {
	go s.Send(ctx, env)
}
