package node

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"socp/pkg/transport"
)

const (
	dialBaseDelay = 500 * time.Millisecond
	dialMaxDelay  = 30 * time.Second
	dialJitter    = 0.2
)

// runTimers drives heartbeats, liveness checks and periodic announces until
// ctx is cancelled.
func (n *Node) runTimers(ctx context.Context) {
	heartbeat := n.clock.Ticker(n.cfg.HeartbeatInterval.Std())
	defer heartbeat.Stop()

	announce := n.clock.Ticker(n.cfg.AnnounceInterval.Std())
	defer announce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			sent := n.disp.Heartbeat()
			if evicted := n.disp.CheckHealth(); len(evicted) > 0 {
				n.logger.Info("Evicted silent peers", zap.Strings("peers", evicted))
			}
			n.logger.Debug("Heartbeat round", zap.Int("peers", sent))

		case <-announce.C:
			n.disp.Announce()
		}
	}
}

// maintainPeer keeps a bootstrap link up. The peer is dialed with
// exponential backoff; once a link ends it is re-dialed, after a jittered
// pause, only when this node has no peers left.
func (n *Node) maintainPeer(ctx context.Context, url string) {
	for {
		conn, ok := n.dialWithBackoff(ctx, url)
		if !ok {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
		}
		n.logger.Info("Bootstrap link closed", zap.String("url", url))

		if !n.waitIsolated(ctx) || !n.sleep(ctx, backoff(0)) {
			return
		}
	}
}

// sleep waits d on the node clock. It returns false when ctx ends first.
func (n *Node) sleep(ctx context.Context, d time.Duration) bool {
	timer := n.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// waitIsolated blocks until no peer is linked. It returns false when ctx
// ends first.
func (n *Node) waitIsolated(ctx context.Context) bool {
	ticker := n.clock.Ticker(n.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for n.disp.LinkCount() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func (n *Node) dialWithBackoff(ctx context.Context, url string) (transport.Conn, bool) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, false
		}

		conn, err := n.Connect(ctx, url)
		if err == nil {
			return conn, true
		}

		delay := backoff(attempt)
		n.logger.Warn("Failed to reach bootstrap peer, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		if !n.sleep(ctx, delay) {
			return nil, false
		}
	}
}

// backoff is dialBaseDelay * 2^attempt, capped at dialMaxDelay, with
// +/- dialJitter applied.
func backoff(attempt int) time.Duration {
	delay := float64(dialBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(dialMaxDelay) {
		delay = float64(dialMaxDelay)
	}

	delay += delay * dialJitter * (2*rand.Float64() - 1)
	if delay <= 0 {
		delay = float64(dialBaseDelay)
	}
	return time.Duration(delay)
}
