package router

import (
	"time"

	"go.uber.org/zap"

	"socp/pkg/envelope"
)

// Eviction describes a peer removed for missing heartbeats.
type Eviction struct {
	ServerID string
	// Users whose location pointed at the evicted peer.
	Purged []string
}

// SendHeartbeat sends a signed HEARTBEAT to every linked peer. A failed
// send is logged and the remaining peers are still served.
func (r *Router) SendHeartbeat() int {
	sent := 0
	for _, peer := range r.dir.ServerIDs() {
		conn, _ := r.dir.Server(peer)
		if err := r.SendMessage(conn, peer, &envelope.Heartbeat{}); err != nil {
			r.logger.Warn("Failed to send heartbeat", zap.String("peer", peer), zap.Error(err))
			continue
		}
		sent++
		r.metrics.HeartbeatsSent.Inc()
	}
	return sent
}

// CheckServerHealth evicts every peer whose last heartbeat is older than the
// liveness window at now, closing its link.
func (r *Router) CheckServerHealth(now time.Time) []Eviction {
	r.metrics.LastHealthCheck.Set(float64(now.Unix()))

	var evicted []Eviction
	for _, id := range r.dir.StaleServers(now, r.cfg.LivenessWindow) {
		last, _ := r.dir.LastHeartbeat(id)
		conn, purged := r.dir.RemoveServer(id)
		if conn != nil {
			_ = conn.Close()
		}
		r.metrics.ServerEvictions.Inc()
		r.logger.Warn("Server timed out, removing connection",
			zap.String("peer", id),
			zap.Duration("silence", now.Sub(last)),
			zap.Int("purged_users", len(purged)))
		evicted = append(evicted, Eviction{ServerID: id, Purged: purged})
	}
	r.UpdateGauges()
	return evicted
}

// UpdateGauges refreshes the directory size gauges.
func (r *Router) UpdateGauges() {
	r.metrics.ServersLinked.Set(float64(len(r.dir.ServerIDs())))
	r.metrics.LocalUsers.Set(float64(len(r.dir.LocalUsers())))
	r.metrics.KnownUsers.Set(float64(len(r.dir.KnownUsers())))
}
