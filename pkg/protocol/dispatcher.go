// Package protocol drives each connection through the handshake and hands
// every subsequent envelope to the handler for its type.
//
// A connection starts with an unknown role. Its first classifying envelope
// makes it a server link (SERVER_HELLO_JOIN, or SERVER_WELCOME on a link we
// dialed) or a user session (USER_HELLO); the role never changes after
// that. All handling for one envelope runs under the Directory lock.
package protocol

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"socp/pkg/crypto"
	"socp/pkg/envelope"
	"socp/pkg/membership"
	"socp/pkg/metrics"
	"socp/pkg/router"
	"socp/pkg/state"
	"socp/pkg/transport"
	"socp/pkg/types"
)

// session is the per-connection handshake state.
type session struct {
	role types.Role
	// id is the user id for user sessions and the peer id for server links.
	id string
}

type Config struct {
	// Advertise is the address peers should use to reach this node.
	Advertise types.ServerAddr
}

type Dispatcher struct {
	dir     *state.Directory
	router  *router.Router
	members *membership.Manager
	priv    *rsa.PrivateKey
	pubKey  string
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	// sessions is guarded by the Directory lock.
	sessions map[transport.Conn]*session
}

func New(
	dir *state.Directory,
	r *router.Router,
	members *membership.Manager,
	priv *rsa.PrivateKey,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if members == nil {
		members = membership.NewManager()
	}
	pub, err := crypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node key: %w", err)
	}
	return &Dispatcher{
		dir:      dir,
		router:   r,
		members:  members,
		priv:     priv,
		pubKey:   pub,
		cfg:      cfg,
		clock:    r.Clock(),
		metrics:  m,
		logger:   logger.With(zap.String("server_id", dir.ServerID())),
		sessions: make(map[transport.Conn]*session),
	}, nil
}

func (d *Dispatcher) ServerID() string { return d.dir.ServerID() }

// PublicKey is this node's key in wire encoding.
func (d *Dispatcher) PublicKey() string { return d.pubKey }

func (d *Dispatcher) session(conn transport.Conn) *session {
	s, ok := d.sessions[conn]
	if !ok {
		s = &session{}
		d.sessions[conn] = s
	}
	return s
}

// Role reports the role a connection has been classified as.
func (d *Dispatcher) Role(conn transport.Conn) types.Role {
	d.dir.Lock()
	defer d.dir.Unlock()

	if s, ok := d.sessions[conn]; ok {
		return s.role
	}
	return types.RoleUnknown
}

// HandleFrame processes one inbound text frame from conn.
func (d *Dispatcher) HandleFrame(conn transport.Conn, frame []byte) {
	env, err := envelope.Parse(frame)
	if err != nil {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		d.logger.Debug("Dropping malformed frame",
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
		return
	}

	d.dir.Lock()
	defer d.dir.Unlock()

	sess := d.session(conn)
	d.metrics.FramesReceived.WithLabelValues(string(env.Type), sess.role.String()).Inc()

	switch sess.role {
	case types.RoleServer:
		d.handleServer(conn, sess, env)
	case types.RoleUser:
		d.handleUser(conn, sess, env)
	default:
		d.classify(conn, sess, env)
	}
	d.router.UpdateGauges()
}

// HandleClose unregisters conn. It is safe to call for any connection at any
// time, including one that never completed a handshake.
func (d *Dispatcher) HandleClose(conn transport.Conn) {
	d.dir.Lock()
	defer d.dir.Unlock()

	d.Unregister(conn)
	delete(d.sessions, conn)
	d.router.UpdateGauges()
}

func (d *Dispatcher) classify(conn transport.Conn, sess *session, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeUserHello:
		d.handleUserHello(conn, sess, env)
	case envelope.TypeServerHelloJoin:
		d.handleHelloJoin(conn, sess, env)
	case envelope.TypeServerWelcome:
		if !d.dir.IsDialed(conn) {
			d.router.SendError(conn, env.From, router.CodeHandshakeRequired, "welcome on a link this node did not dial")
			return
		}
		d.handleWelcome(conn, sess, env)
	default:
		if msg, err := envelope.Decode(env); err == nil {
			if _, unknown := msg.(*envelope.Unrecognized); unknown {
				d.router.SendError(conn, env.From, router.CodeUnknownType, string(env.Type))
				return
			}
		}
		d.router.SendError(conn, env.From, router.CodeHandshakeRequired, fmt.Sprintf("%s before hello", env.Type))
	}
}

// reject answers the first frame of a connection with an error and closes
// it, since no identity was established.
func (d *Dispatcher) reject(conn transport.Conn, to, code, detail string) {
	d.router.SendError(conn, to, code, detail)
	d.logger.Info("Rejecting connection",
		zap.String("conn_id", conn.ID()),
		zap.String("remote", conn.RemoteAddr()),
		zap.String("code", code),
		zap.String("detail", detail))
	_ = conn.Close()
}

// dropServerLink closes a link that failed to register. A duplicate of an
// established link is closed without an error frame.
func (d *Dispatcher) dropServerLink(conn transport.Conn, peer string, err error) {
	if errors.Is(err, ErrDuplicateLink) {
		d.dir.RemoveDialed(conn)
		_ = conn.Close()
		return
	}
	d.reject(conn, peer, router.CodeBadPayload, err.Error())
}

func (d *Dispatcher) handleUserHello(conn transport.Conn, sess *session, env *envelope.Envelope) {
	msg, err := envelope.Decode(env)
	if err != nil || env.From == "" {
		d.reject(conn, env.From, router.CodeBadPayload, "user hello needs a sender and a pubkey")
		return
	}
	hello := msg.(*envelope.UserHello)

	pub, err := crypto.ParsePublicKey(hello.PubKey)
	if err != nil {
		d.reject(conn, env.From, router.CodeBadKey, err.Error())
		return
	}
	if env.Sig != "" && !env.Verify(pub) {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropBadSig).Inc()
		d.reject(conn, env.From, router.CodeInvalidSig, "hello signature does not match pubkey")
		return
	}

	if err := d.Register(conn, types.RoleUser, Identity{ID: env.From, PubKey: pub, EncodedKey: hello.PubKey}); err != nil {
		code := router.CodeBadPayload
		if errors.Is(err, state.ErrNameInUse) {
			code = router.CodeNameInUse
		}
		d.reject(conn, env.From, code, err.Error())
		return
	}

	sess.role = types.RoleUser
	sess.id = env.From
	_ = d.router.SendMessage(conn, env.From, &envelope.Ack{MsgRef: string(envelope.TypeUserHello)})
}

func (d *Dispatcher) handleHelloJoin(conn transport.Conn, sess *session, env *envelope.Envelope) {
	msg, err := envelope.Decode(env)
	if err != nil || env.From == "" {
		d.reject(conn, env.From, router.CodeBadPayload, "hello join needs a sender, a pubkey and an address")
		return
	}
	join := msg.(*envelope.ServerHelloJoin)

	if env.From == d.ServerID() {
		d.reject(conn, env.From, router.CodeNameInUse, "peer claims this node's id")
		return
	}
	pub, err := crypto.ParsePublicKey(join.PubKey)
	if err != nil {
		d.reject(conn, env.From, router.CodeBadKey, err.Error())
		return
	}
	// No key is on file yet, so a signature can only prove possession of the
	// presented key.
	if env.Sig != "" && !env.Verify(pub) {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropBadSig).Inc()
		d.reject(conn, env.From, router.CodeInvalidSig, "hello join signature does not match pubkey")
		return
	}

	addr := types.ServerAddr{Host: join.Host, Port: join.Port}
	if err := d.Register(conn, types.RoleServer, Identity{ID: env.From, Addr: addr, PubKey: pub}); err != nil {
		d.dropServerLink(conn, env.From, err)
		return
	}
	sess.role = types.RoleServer
	sess.id = env.From
	d.mergePublicChannel(env.From, join.Public)

	welcome := &envelope.ServerWelcome{
		AssignedID: env.From,
		Host:       d.cfg.Advertise.Host,
		Port:       d.cfg.Advertise.Port,
		PubKey:     d.pubKey,
		Clients:    d.localClients(),
		Public:     d.publicRoster(),
	}
	_ = d.router.SendMessage(conn, env.From, welcome)
}

func (d *Dispatcher) handleWelcome(conn transport.Conn, sess *session, env *envelope.Envelope) {
	msg, err := envelope.Decode(env)
	if err != nil || env.From == "" || env.From == d.ServerID() {
		d.reject(conn, env.From, router.CodeBadPayload, "invalid welcome")
		return
	}
	welcome := msg.(*envelope.ServerWelcome)

	pub, err := crypto.ParsePublicKey(welcome.PubKey)
	if err != nil {
		d.reject(conn, env.From, router.CodeBadKey, err.Error())
		return
	}
	if !env.Verify(pub) {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropBadSig).Inc()
		d.reject(conn, env.From, router.CodeInvalidSig, "welcome signature does not match pubkey")
		return
	}
	if welcome.AssignedID != d.ServerID() {
		d.logger.Warn("Peer assigned a different id",
			zap.String("peer", env.From),
			zap.String("assigned_id", welcome.AssignedID))
	}

	addr := types.ServerAddr{Host: welcome.Host, Port: welcome.Port}
	if err := d.Register(conn, types.RoleServer, Identity{ID: env.From, Addr: addr, PubKey: pub}); err != nil {
		d.dropServerLink(conn, env.From, err)
		return
	}
	sess.role = types.RoleServer
	sess.id = env.From
	d.mergePublicChannel(env.From, welcome.Public)

	for _, c := range welcome.Clients {
		if c.UserID == "" {
			continue
		}
		if d.dir.SetRemoteLocation(c.UserID, env.From) {
			d.notifyPresence(c.UserID, statusOnline, env.From)
		}
		d.recordUserKey(c.UserID, c.PubKey)
	}

	// Presence sync in the other direction.
	for _, uid := range d.dir.LocalUsers() {
		_ = d.router.SendMessage(conn, env.From, &envelope.UserAdvertise{
			UserID:   uid,
			ServerID: d.ServerID(),
			Meta:     d.userMeta(uid),
		})
	}
}

// Join starts the handshake on an outbound link.
func (d *Dispatcher) Join(conn transport.Conn) error {
	d.dir.Lock()
	defer d.dir.Unlock()

	d.dir.AddDialed(conn)
	hello := &envelope.ServerHelloJoin{
		Host:   d.cfg.Advertise.Host,
		Port:   d.cfg.Advertise.Port,
		PubKey: d.pubKey,
		Public: d.publicRoster(),
	}
	return d.router.SendMessage(conn, types.Wildcard, hello)
}

func (d *Dispatcher) localClients() []envelope.UserInfo {
	users := d.dir.LocalUsers()
	clients := make([]envelope.UserInfo, 0, len(users))
	for _, uid := range users {
		_, encoded, _ := d.dir.UserKey(uid)
		clients = append(clients, envelope.UserInfo{UserID: uid, PubKey: encoded})
	}
	return clients
}

func (d *Dispatcher) userMeta(userID string) map[string]any {
	if _, encoded, ok := d.dir.UserKey(userID); ok && encoded != "" {
		return map[string]any{"pubkey": encoded}
	}
	return nil
}

func (d *Dispatcher) recordUserKey(userID, encoded string) {
	if encoded == "" {
		return
	}
	pub, err := crypto.ParsePublicKey(encoded)
	if err != nil {
		d.logger.Debug("Ignoring user key", zap.String("user_id", userID), zap.Error(err))
		return
	}
	d.dir.SetUserKey(userID, pub, encoded)
}

// fresh inserts the envelope's de-duplication key into the seen set and
// reports whether it was new.
func (d *Dispatcher) fresh(env *envelope.Envelope) bool {
	key, err := env.DedupKey()
	if err != nil {
		d.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return false
	}
	if !d.dir.MarkSeen(key) {
		d.metrics.GossipDuplicates.Inc()
		d.metrics.FramesDropped.WithLabelValues(metrics.DropDuplicate).Inc()
		d.logger.Debug("Dropping duplicate",
			zap.String("type", string(env.Type)),
			zap.String("from", env.From),
			zap.Int64("ts", env.TS))
		return false
	}
	return true
}
