package protocol

import (
	"fmt"

	"go.uber.org/zap"

	"socp/pkg/envelope"
	"socp/pkg/metrics"
	"socp/pkg/router"
	"socp/pkg/transport"
	"socp/pkg/types"
)

func (d *Dispatcher) handleUser(conn transport.Conn, sess *session, env *envelope.Envelope) {
	if env.From != sess.id {
		d.router.SendError(conn, sess.id, router.CodeBadPayload, "from does not match session")
		return
	}
	if env.Sig != "" {
		pub, _, _ := d.dir.UserKey(sess.id)
		if !env.Verify(pub) {
			d.metrics.FramesDropped.WithLabelValues(metrics.DropBadSig).Inc()
			d.router.SendError(conn, sess.id, router.CodeInvalidSig, "signature does not verify")
			return
		}
	}

	msg, err := envelope.Decode(env)
	if err != nil {
		d.router.SendError(conn, sess.id, router.CodeBadPayload, err.Error())
		return
	}

	if auth, ok := msg.(*envelope.UserAuth); ok {
		d.handleUserAuth(conn, sess, auth)
		return
	}
	// A session that logged out, or lost its name to a newer one, keeps the
	// socket but no longer speaks for the user.
	if owner, ok := d.dir.LocalUser(sess.id); !ok || owner != conn {
		d.router.SendError(conn, sess.id, router.CodeHandshakeRequired, "not logged in")
		return
	}

	switch m := msg.(type) {
	case *envelope.Opaque:
		switch m.Kind {
		case envelope.TypeMsgPublicChannel:
			d.router.FanOutLocal(env, sess.id)
		default:
			// MSG_DIRECT and FILE_* are point to point.
			d.router.RouteToUser(conn, env)
		}
	case *envelope.MsgGroup:
		d.handleGroupMessage(conn, env, m)
	case *envelope.ClientCommand:
		d.handleCommand(conn, sess, env, m)
	case *envelope.UserHello:
		d.logger.Debug("Ignoring repeated hello", zap.String("user_id", sess.id))
	default:
		d.router.SendError(conn, sess.id, router.CodeUnknownType, fmt.Sprintf("Unhandled type %s", env.Type))
	}
}

func (d *Dispatcher) handleUserAuth(conn transport.Conn, sess *session, m *envelope.UserAuth) {
	switch m.Action {
	case envelope.AuthLogin:
		pub, encoded, _ := d.dir.UserKey(sess.id)
		err := d.Register(conn, types.RoleUser, Identity{ID: sess.id, PubKey: pub, EncodedKey: encoded})
		if err != nil {
			d.router.SendError(conn, sess.id, router.CodeNameInUse, err.Error())
			return
		}
	case envelope.AuthLogout:
		if owner, ok := d.dir.LocalUser(sess.id); !ok || owner != conn {
			d.router.SendError(conn, sess.id, router.CodeUserNotFound, "not logged in")
			return
		}
		d.logoutUser(sess.id)
	}
	_ = d.router.SendMessage(conn, sess.id, &envelope.Ack{MsgRef: string(envelope.TypeUserAuth)})
}

// handleGroupMessage delivers to the group members attached to this node.
func (d *Dispatcher) handleGroupMessage(conn transport.Conn, env *envelope.Envelope, m *envelope.MsgGroup) {
	members := d.members.ResolveMembers(m.GroupID)
	if members == nil {
		d.router.SendError(conn, env.From, router.CodeUserNotFound, fmt.Sprintf("Group %s not found", m.GroupID))
		return
	}
	for _, member := range members {
		if member == env.From {
			continue
		}
		if _, local := d.dir.LocalUser(member); !local {
			continue
		}
		out := *env
		out.To = member
		d.router.RouteToUser(nil, &out)
	}
}
