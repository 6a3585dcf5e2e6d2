// Package router decides where envelopes go: to an attached user, to the
// peer that hosts the user, or back to the origin as USER_NOT_FOUND. It
// also owns the gossip and heartbeat primitives the node runs on timers.
//
// Every Router method expects the caller to hold the Directory lock.
package router

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"socp/pkg/envelope"
	"socp/pkg/metrics"
	"socp/pkg/state"
	"socp/pkg/transport"
	"socp/pkg/types"
)

// Error codes carried in ERROR envelopes.
const (
	CodeUnknownType       = "UNKNOWN_TYPE"
	CodeNameInUse         = "NAME_IN_USE"
	CodeUserNotFound      = "USER_NOT_FOUND"
	CodeInvalidSig        = "INVALID_SIG"
	CodeBadKey            = "BAD_KEY"
	CodeHandshakeRequired = "HANDSHAKE_REQUIRED"
	CodeBadPayload        = "BAD_PAYLOAD"
	CodeVersionConflict   = "VERSION_CONFLICT"
)

const (
	DefaultLivenessWindow = 45000 * time.Millisecond
	DefaultMaxForwardHops = 4
)

// Payload fields the router adds to forwarded deliveries.
const (
	FieldUserID = "user_id"
	FieldSender = "sender"
	FieldKind   = "kind"
	FieldHops   = "hops"
)

type Config struct {
	LivenessWindow time.Duration
	MaxForwardHops int
}

type Router struct {
	dir     *state.Directory
	priv    *rsa.PrivateKey
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(dir *state.Directory, priv *rsa.PrivateKey, cfg Config, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	if cfg.MaxForwardHops <= 0 {
		cfg.MaxForwardHops = DefaultMaxForwardHops
	}
	return &Router{
		dir:     dir,
		priv:    priv,
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		logger:  logger.With(zap.String("server_id", dir.ServerID())),
	}
}

func (r *Router) ServerID() string { return r.dir.ServerID() }

func (r *Router) Clock() clock.Clock { return r.clock }

func (r *Router) MaxForwardHops() int { return r.cfg.MaxForwardHops }

func (r *Router) now() int64 { return envelope.NowMillis(r.clock.Now()) }

// Sign signs env with this node's key.
func (r *Router) Sign(env *envelope.Envelope) error {
	return env.Sign(r.priv)
}

// Send writes env on conn. Failures are logged and counted, never fatal.
func (r *Router) Send(conn transport.Conn, env *envelope.Envelope) error {
	frame, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Type, err)
	}
	if err := conn.Send(frame); err != nil {
		r.metrics.SendFailures.Inc()
		r.logger.Warn("Failed to send envelope",
			zap.String("type", string(env.Type)),
			zap.String("to", env.To),
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
		return err
	}
	return nil
}

// SendMessage builds, signs and sends a typed envelope from this node.
func (r *Router) SendMessage(conn transport.Conn, to string, msg envelope.Message) error {
	env, err := envelope.New(r.ServerID(), to, r.now(), msg)
	if err != nil {
		return err
	}
	if err := r.Sign(env); err != nil {
		return fmt.Errorf("failed to sign %s: %w", env.Type, err)
	}
	return r.Send(conn, env)
}

// SendError answers conn with an ERROR envelope.
func (r *Router) SendError(conn transport.Conn, to, code, detail string) {
	if conn == nil {
		return
	}
	if err := r.SendMessage(conn, to, &envelope.Error{Code: code, Detail: detail}); err != nil {
		r.logger.Debug("Failed to send error", zap.String("code", code), zap.Error(err))
	}
}

// RouteToUser delivers env to env.To. See Route.
func (r *Router) RouteToUser(origin transport.Conn, env *envelope.Envelope) bool {
	return r.Route(origin, env, 0)
}

// Route resolves env.To in three steps: an attached user gets USER_DELIVER,
// a user located on a linked peer gets SERVER_DELIVER through that peer,
// anything else answers origin with USER_NOT_FOUND. hops is the number of
// server links the delivery has already crossed.
func (r *Router) Route(origin transport.Conn, env *envelope.Envelope, hops int) bool {
	target := env.To

	fields, err := envelope.PayloadFields(env)
	if err != nil {
		r.logger.Warn("Dropping undeliverable payload", zap.String("to", target), zap.Error(err))
		r.SendError(origin, env.From, CodeBadPayload, err.Error())
		return false
	}
	if _, ok := fields[FieldSender]; !ok {
		fields[FieldSender] = env.From
	}
	if _, ok := fields[FieldKind]; !ok {
		fields[FieldKind] = string(env.Type)
	}

	if conn, ok := r.dir.LocalUser(target); ok {
		delete(fields, FieldHops)
		if err := r.sendFields(conn, envelope.TypeUserDeliver, target, fields); err != nil {
			return false
		}
		r.metrics.Deliveries.WithLabelValues(metrics.OutcomeLocal).Inc()
		return true
	}

	if loc, ok := r.dir.Location(target); ok && loc != types.LocationLocal {
		if conn, linked := r.dir.Server(loc); linked {
			fields[FieldUserID] = target
			fields[FieldSender] = env.From
			fields[FieldHops] = hops + 1
			if err := r.sendFields(conn, envelope.TypeServerDeliver, loc, fields); err != nil {
				return false
			}
			r.metrics.Deliveries.WithLabelValues(metrics.OutcomeForwarded).Inc()
			return true
		}
	}

	r.metrics.Deliveries.WithLabelValues(metrics.OutcomeNotFound).Inc()
	r.SendError(origin, env.From, CodeUserNotFound, fmt.Sprintf("User %s not found", target))
	return false
}

func (r *Router) sendFields(conn transport.Conn, t envelope.Type, to string, fields map[string]any) error {
	raw, err := envelope.EncodeFields(fields)
	if err != nil {
		return err
	}
	out := envelope.NewRaw(t, r.ServerID(), to, r.now(), raw)
	if err := r.Sign(out); err != nil {
		return fmt.Errorf("failed to sign %s: %w", t, err)
	}
	return r.Send(conn, out)
}

// FanOutLocal delivers env as USER_DELIVER to every attached user except
// exclude. It returns the number of users reached.
func (r *Router) FanOutLocal(env *envelope.Envelope, exclude string) int {
	fields, err := envelope.PayloadFields(env)
	if err != nil {
		return 0
	}
	if _, ok := fields[FieldSender]; !ok {
		fields[FieldSender] = env.From
	}
	if _, ok := fields[FieldKind]; !ok {
		fields[FieldKind] = string(env.Type)
	}
	raw, err := envelope.EncodeFields(fields)
	if err != nil {
		return 0
	}

	// The signature covers the payload only, so one serves every recipient.
	signed := envelope.NewRaw(envelope.TypeUserDeliver, r.ServerID(), "", r.now(), json.RawMessage(raw))
	if err := r.Sign(signed); err != nil {
		r.logger.Warn("Failed to sign delivery", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, uid := range r.dir.LocalUsers() {
		if uid == exclude {
			continue
		}
		conn, _ := r.dir.LocalUser(uid)
		out := *signed
		out.To = uid
		if r.Send(conn, &out) == nil {
			delivered++
			r.metrics.Deliveries.WithLabelValues(metrics.OutcomeLocal).Inc()
		}
	}
	return delivered
}

// NotifyLocal sends msg to every attached user except exclude.
func (r *Router) NotifyLocal(msg envelope.Message, exclude string) {
	for _, uid := range r.dir.LocalUsers() {
		if uid == exclude {
			continue
		}
		conn, _ := r.dir.LocalUser(uid)
		_ = r.SendMessage(conn, uid, msg)
	}
}
