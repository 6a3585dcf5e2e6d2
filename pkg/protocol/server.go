package protocol

import (
	"go.uber.org/zap"

	"socp/pkg/crypto"
	"socp/pkg/envelope"
	"socp/pkg/metrics"
	"socp/pkg/router"
	"socp/pkg/transport"
	"socp/pkg/types"
)

func (d *Dispatcher) handleServer(conn transport.Conn, sess *session, env *envelope.Envelope) {
	log := d.logger.With(
		zap.String("peer", sess.id),
		zap.String("type", string(env.Type)))

	if env.From != sess.id {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropUnexpected).Inc()
		log.Warn("Dropping frame with mismatched sender", zap.String("from", env.From))
		return
	}
	if !env.Verify(d.dir.ServerKey(sess.id)) {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropBadSig).Inc()
		log.Warn("Dropping frame with invalid signature")
		d.router.SendError(conn, env.From, router.CodeInvalidSig, "signature does not verify")
		return
	}

	msg, err := envelope.Decode(env)
	if err != nil {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		log.Warn("Dropping undecodable frame", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *envelope.Heartbeat:
		_ = d.dir.Heartbeat(sess.id, d.clock.Now())
	case *envelope.ServerAnnounce:
		d.handleAnnounce(sess, m)
	case *envelope.UserAdvertise:
		d.handleUserAdvertise(env, m)
	case *envelope.UserRemove:
		d.handleUserRemove(env, m)
	case *envelope.ServerDeliver:
		d.handleServerDeliver(env, m)
	case *envelope.PublicChannelAdd:
		d.handleChannelAdd(env, m)
	case *envelope.PublicChannelUpdated:
		d.handleChannelUpdated(env, m)
	case *envelope.PublicChannelKeyShare:
		d.handleKeyShare(env, m)
	case *envelope.Unrecognized:
		d.router.SendError(conn, env.From, router.CodeUnknownType, string(env.Type))
	default:
		d.metrics.FramesDropped.WithLabelValues(metrics.DropUnexpected).Inc()
		log.Debug("Dropping frame not valid on a server link")
	}
}

func (d *Dispatcher) handleAnnounce(sess *session, m *envelope.ServerAnnounce) {
	d.dir.SetServerAddr(sess.id, types.ServerAddr{Host: m.Host, Port: m.Port})
	if m.PubKey == "" {
		return
	}
	pub, err := crypto.ParsePublicKey(m.PubKey)
	if err != nil {
		d.logger.Warn("Ignoring announced key", zap.String("peer", sess.id), zap.Error(err))
		return
	}
	d.dir.SetServerKey(sess.id, pub)
}

func (d *Dispatcher) handleUserAdvertise(env *envelope.Envelope, m *envelope.UserAdvertise) {
	if !d.fresh(env) {
		return
	}
	if m.ServerID == d.ServerID() {
		return
	}
	if d.dir.SetRemoteLocation(m.UserID, m.ServerID) {
		d.logger.Debug("User located",
			zap.String("user_id", m.UserID),
			zap.String("location", m.ServerID))
		d.notifyPresence(m.UserID, statusOnline, m.ServerID)
	}
	if _, local := d.dir.LocalUser(m.UserID); !local {
		d.recordUserKey(m.UserID, m.PubKey())
	}
	d.router.Relay(env, "")
}

func (d *Dispatcher) handleUserRemove(env *envelope.Envelope, m *envelope.UserRemove) {
	if !d.fresh(env) {
		return
	}
	if m.ServerID == d.ServerID() {
		return
	}
	if d.dir.RemoveLocationIf(m.UserID, m.ServerID) {
		d.logger.Debug("User gone",
			zap.String("user_id", m.UserID),
			zap.String("location", m.ServerID))
		d.notifyPresence(m.UserID, statusOffline, m.ServerID)
	}
	d.router.Relay(env, "")
}

func (d *Dispatcher) handleServerDeliver(env *envelope.Envelope, m *envelope.ServerDeliver) {
	if !d.fresh(env) {
		return
	}
	if m.Hops > d.router.MaxForwardHops() {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropHopLimit).Inc()
		d.logger.Warn("Dropping delivery over hop limit",
			zap.String("user_id", m.UserID),
			zap.Int("hops", m.Hops))
		return
	}

	inner, err := unwrapDelivery(env, m)
	if err != nil {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	if !d.router.Route(nil, inner, m.Hops) {
		d.logger.Info("Forwarded delivery has no route", zap.String("user_id", m.UserID))
	}
}

// unwrapDelivery rebuilds the envelope the original sender addressed to the
// user, so it can be routed as if it arrived locally.
func unwrapDelivery(env *envelope.Envelope, m *envelope.ServerDeliver) (*envelope.Envelope, error) {
	fields, err := envelope.PayloadFields(env)
	if err != nil {
		return nil, err
	}
	kind := envelope.TypeMsgDirect
	if k, ok := fields[router.FieldKind].(string); ok && k != "" {
		kind = envelope.Type(k)
	}
	delete(fields, router.FieldHops)
	raw, err := envelope.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	sender := m.Sender
	if sender == "" {
		sender = env.From
	}
	return envelope.NewRaw(kind, sender, m.UserID, env.TS, raw), nil
}
