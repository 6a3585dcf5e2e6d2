package protocol

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"socp/pkg/envelope"
	"socp/pkg/membership"
	"socp/pkg/transport"
	"socp/pkg/types"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// ErrDuplicateLink is returned by Register when a peer is already linked
// over a connection that wins the tie-break.
var ErrDuplicateLink = errors.New("peer already linked")

// Identity is what a classifying envelope established about a connection.
type Identity struct {
	ID string
	// Addr is the advertised address of a server link.
	Addr types.ServerAddr
	// PubKey is the peer's key; EncodedKey its wire form for user sessions.
	PubKey     *rsa.PublicKey
	EncodedKey string
}

// Register records conn under its role. A user id already attached locally
// is rejected with state.ErrNameInUse and leaves the existing session
// untouched. A successful user registration is advertised to the federation.
// Callers hold the Directory lock.
func (d *Dispatcher) Register(conn transport.Conn, role types.Role, id Identity) error {
	switch role {
	case types.RoleUser:
		return d.registerUser(conn, id)
	case types.RoleServer:
		return d.registerServer(conn, id)
	default:
		return fmt.Errorf("cannot register role %s", role)
	}
}

func (d *Dispatcher) registerUser(conn transport.Conn, id Identity) error {
	if err := d.dir.AddLocalUser(id.ID, conn); err != nil {
		d.logger.Info("Duplicate local user rejected", zap.String("user_id", id.ID))
		return err
	}
	if id.PubKey != nil {
		d.dir.SetUserKey(id.ID, id.PubKey, id.EncodedKey)
	}
	d.logger.Info("User attached",
		zap.String("user_id", id.ID),
		zap.String("remote", conn.RemoteAddr()))

	d.router.BroadcastUserAdvertise(id.ID, d.userMeta(id.ID))
	d.notifyPresence(id.ID, statusOnline, types.LocationLocal)
	d.joinPublicChannel(id.ID)
	return nil
}

// registerServer links conn to the peer. When both nodes dial each other,
// each end keeps the connection dialed by the lower server id, so the two
// sides settle on the same link.
func (d *Dispatcher) registerServer(conn transport.Conn, id Identity) error {
	if prev, ok := d.dir.Server(id.ID); ok && prev != conn && !d.preferLink(id.ID, conn) {
		d.logger.Info("Keeping existing link",
			zap.String("peer", id.ID),
			zap.Bool("outbound", d.dir.Outbound(id.ID)))
		return ErrDuplicateLink
	}

	prev := d.dir.AddServer(id.ID, conn, id.Addr, id.PubKey, d.clock.Now())
	if prev != nil {
		d.logger.Info("Replacing existing link", zap.String("peer", id.ID))
		delete(d.sessions, prev)
		_ = prev.Close()
	}
	d.logger.Info("Server linked",
		zap.String("peer", id.ID),
		zap.String("host", id.Addr.Host),
		zap.Int("port", id.Addr.Port))
	return nil
}

// preferLink reports whether conn should replace the current link to peer.
// A newer link in the same direction always wins.
func (d *Dispatcher) preferLink(peer string, conn transport.Conn) bool {
	dialed := d.dir.IsDialed(conn)
	if dialed == d.dir.Outbound(peer) {
		return true
	}
	return dialed == (d.ServerID() < peer)
}

// Unregister removes whatever conn was registered as. Exactly one of server
// link, user session or nothing applies; the first match wins. Callers hold
// the Directory lock.
func (d *Dispatcher) Unregister(conn transport.Conn) {
	d.dir.RemoveDialed(conn)

	if peer, ok := d.dir.ServerByConn(conn); ok {
		_, purged := d.dir.RemoveServer(peer)
		d.logger.Info("Server unlinked",
			zap.String("peer", peer),
			zap.Int("purged_users", len(purged)))
		for _, uid := range purged {
			d.notifyPresence(uid, statusOffline, peer)
		}
		return
	}

	if uid, ok := d.dir.LocalUserByConn(conn); ok {
		d.logoutUser(uid)
		return
	}
}

func (d *Dispatcher) logoutUser(userID string) {
	if !d.dir.RemoveLocalUser(userID) {
		return
	}
	d.logger.Info("User detached", zap.String("user_id", userID))
	d.router.BroadcastUserRemove(userID, d.ServerID())
	d.notifyPresence(userID, statusOffline, types.LocationLocal)
}

func (d *Dispatcher) notifyPresence(userID, status, location string) {
	d.router.NotifyLocal(&envelope.Presence{UserID: userID, Status: status, Location: location}, userID)
}

func (d *Dispatcher) joinPublicChannel(userID string) {
	base := d.members.ChannelVersion(membership.PublicChannelID)
	if _, err := d.members.ApplyAdd(membership.PublicChannelID, base, []string{userID}); err != nil {
		d.logger.Warn("Failed to join public channel", zap.String("user_id", userID), zap.Error(err))
		return
	}
	d.router.BroadcastMessage(&envelope.PublicChannelAdd{
		ChannelID:   membership.PublicChannelID,
		BaseVersion: base,
		Add:         []string{userID},
	})
}
