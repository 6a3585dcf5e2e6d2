package protocol

import (
	"encoding/json"

	"go.uber.org/zap"

	"socp/pkg/envelope"
	"socp/pkg/membership"
	"socp/pkg/metrics"
)

func (d *Dispatcher) handleChannelAdd(env *envelope.Envelope, m *envelope.PublicChannelAdd) {
	if !d.fresh(env) {
		return
	}
	version, err := d.members.ApplyAdd(m.ChannelID, m.BaseVersion, m.Add)
	if err != nil {
		d.versionRejected(env, m.ChannelID, err)
		return
	}
	d.logger.Debug("Channel members added",
		zap.String("channel_id", m.ChannelID),
		zap.Uint64("version", version),
		zap.Strings("add", m.Add))
	d.router.Relay(env, "")
}

func (d *Dispatcher) handleChannelUpdated(env *envelope.Envelope, m *envelope.PublicChannelUpdated) {
	if !d.fresh(env) {
		return
	}
	if err := d.members.ApplyUpdated(m.ChannelID, m.Version, m.Members); err != nil {
		d.versionRejected(env, m.ChannelID, err)
		return
	}
	d.router.Relay(env, "")
}

// handleKeyShare records the shares and routes each one toward its member.
// Key shares are not flooded.
func (d *Dispatcher) handleKeyShare(env *envelope.Envelope, m *envelope.PublicChannelKeyShare) {
	if !d.fresh(env) {
		return
	}
	shares := make(map[string]string, len(m.Shares))
	for _, s := range m.Shares {
		shares[s.Member] = s.WrappedKey
	}
	if err := d.members.AcceptKeyShare(m.ChannelID, m.Version, shares); err != nil {
		d.versionRejected(env, m.ChannelID, err)
		return
	}

	for _, s := range m.Shares {
		single := envelope.PublicChannelKeyShare{
			ChannelID:  m.ChannelID,
			Version:    m.Version,
			Shares:     []envelope.KeyShare{s},
			CreatorPub: m.CreatorPub,
		}
		raw, err := json.Marshal(&single)
		if err != nil {
			continue
		}
		share := envelope.NewRaw(envelope.TypePublicChannelKeyShare, env.From, s.Member, env.TS, raw)
		d.router.RouteToUser(nil, share)
	}
}

func (d *Dispatcher) publicRoster() *envelope.ChannelRoster {
	return &envelope.ChannelRoster{
		Version: d.members.ChannelVersion(membership.PublicChannelID),
		Members: d.members.ResolveMembers(membership.PublicChannelID),
	}
}

// mergePublicChannel adopts the roster a peer sent in its handshake.
func (d *Dispatcher) mergePublicChannel(peer string, roster *envelope.ChannelRoster) {
	if roster == nil {
		return
	}
	version, changed := d.members.MergeChannel(membership.PublicChannelID, roster.Version, roster.Members)
	if changed {
		d.logger.Debug("Public channel merged",
			zap.String("peer", peer),
			zap.Uint64("version", version),
			zap.Int("members", len(d.members.ResolveMembers(membership.PublicChannelID))))
	}
}

func (d *Dispatcher) versionRejected(env *envelope.Envelope, channelID string, err error) {
	d.metrics.FramesDropped.WithLabelValues(metrics.DropVersionGate).Inc()
	d.logger.Info("Channel update rejected",
		zap.String("type", string(env.Type)),
		zap.String("channel_id", channelID),
		zap.Error(err))
}
