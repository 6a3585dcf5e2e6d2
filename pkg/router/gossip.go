package router

import (
	"encoding/json"

	"go.uber.org/zap"

	"socp/pkg/envelope"
	"socp/pkg/types"
)

// BroadcastUserAdvertise announces a user attached to this node to every
// linked peer.
func (r *Router) BroadcastUserAdvertise(userID string, meta map[string]any) int {
	msg := &envelope.UserAdvertise{UserID: userID, ServerID: r.ServerID(), Meta: meta}
	return r.broadcast(msg)
}

// BroadcastUserRemove announces that userID is no longer reachable through
// serverID.
func (r *Router) BroadcastUserRemove(userID, serverID string) int {
	msg := &envelope.UserRemove{UserID: userID, ServerID: serverID}
	return r.broadcast(msg)
}

// BroadcastMessage originates a typed gossip envelope to every peer.
func (r *Router) BroadcastMessage(msg envelope.Message) int {
	return r.broadcast(msg)
}

func (r *Router) broadcast(msg envelope.Message) int {
	env, err := envelope.New(r.ServerID(), types.Wildcard, r.now(), msg)
	if err != nil {
		r.logger.Warn("Failed to encode gossip", zap.String("type", string(msg.MessageType())), zap.Error(err))
		return 0
	}
	return r.Relay(env, "")
}

// Relay sends the payload of env to every linked peer except skip. The
// original timestamp and payload are kept so that the de-duplication key
// of the item stays stable across hops; each copy is addressed to its peer
// and signed by this node.
func (r *Router) Relay(env *envelope.Envelope, skip string) int {
	out := envelope.NewRaw(env.Type, r.ServerID(), "", env.TS, json.RawMessage(env.Payload))
	if err := r.Sign(out); err != nil {
		r.logger.Warn("Failed to sign gossip", zap.String("type", string(env.Type)), zap.Error(err))
		return 0
	}

	sent := 0
	for _, peer := range r.dir.ServerIDs() {
		if peer == skip {
			continue
		}
		conn, _ := r.dir.Server(peer)
		perEnv := *out
		perEnv.To = peer
		if r.Send(conn, &perEnv) == nil {
			sent++
			r.metrics.GossipRelayed.Inc()
		}
	}
	r.logger.Debug("Gossip sent",
		zap.String("type", string(env.Type)),
		zap.Int("peers", sent))
	return sent
}

// SendAnnounce re-asserts this node's address and key to every peer.
func (r *Router) SendAnnounce(addr types.ServerAddr, pubKey string) int {
	msg := &envelope.ServerAnnounce{Host: addr.Host, Port: addr.Port, PubKey: pubKey}
	sent := 0
	for _, peer := range r.dir.ServerIDs() {
		conn, _ := r.dir.Server(peer)
		if r.SendMessage(conn, peer, msg) == nil {
			sent++
		}
	}
	return sent
}
