package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"socp/pkg/crypto"
	"socp/pkg/envelope"
	"socp/pkg/router"
	"socp/pkg/transport"
)

// handleCommand serves the slash commands of the reference client.
func (d *Dispatcher) handleCommand(conn transport.Conn, sess *session, env *envelope.Envelope, m *envelope.ClientCommand) {
	fields := strings.Fields(m.Cmd)
	if len(fields) == 0 {
		d.router.SendError(conn, sess.id, router.CodeUnknownType, "Unknown client command")
		return
	}

	switch fields[0] {
	case "/list":
		_ = d.router.SendMessage(conn, sess.id, &envelope.List{Online: d.dir.KnownUsers()})
		return
	case "/tell":
		if len(fields) >= 3 {
			d.commandTell(conn, sess, fields[1], restAfter(m.Cmd, 2))
			return
		}
	case "/all":
		if len(fields) >= 2 {
			d.commandAll(sess, restAfter(m.Cmd, 1))
			return
		}
	case "/create_group":
		if len(fields) >= 2 {
			d.commandCreateGroup(conn, sess, fields[1], fields[2:])
			return
		}
	case "/group":
		if len(fields) >= 3 {
			d.commandGroup(conn, sess, env, fields[1], restAfter(m.Cmd, 2))
			return
		}
	case "/group_add", "/group_remove":
		if len(fields) == 3 {
			d.commandGroupMember(conn, sess, fields[0], fields[1], fields[2])
			return
		}
	}
	d.router.SendError(conn, sess.id, router.CodeUnknownType, "Unknown client command")
}

func (d *Dispatcher) commandTell(conn transport.Conn, sess *session, target, text string) {
	payload, err := d.sealFor(sess.id, target, text)
	if err != nil {
		d.logger.Warn("Failed to seal message", zap.String("to", target), zap.Error(err))
		d.router.SendError(conn, sess.id, router.CodeBadKey, err.Error())
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	out := envelope.NewRaw(envelope.TypeMsgDirect, sess.id, target, d.clock.Now().UnixMilli(), raw)
	d.router.RouteToUser(conn, out)
}

// sealFor encrypts text for the recipient when its key is known: AES-256-GCM
// under a fresh key, the key wrapped with RSA-OAEP. Without a key the text
// travels as is.
func (d *Dispatcher) sealFor(sender, target, text string) (map[string]any, error) {
	pub, _, ok := d.dir.UserKey(target)
	if !ok || pub == nil {
		return map[string]any{"text": text}, nil
	}
	key, err := crypto.NewAESKey()
	if err != nil {
		return nil, err
	}
	ct, iv, tag, err := crypto.SealAES(key, []byte(text))
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.Encrypt(pub, key)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"ciphertext":  ct,
		"iv":          iv,
		"tag":         tag,
		"wrapped_key": wrapped,
	}
	if _, encoded, ok := d.dir.UserKey(sender); ok {
		payload["sender_pub"] = encoded
	}
	return payload, nil
}

func (d *Dispatcher) commandAll(sess *session, text string) {
	raw, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return
	}
	out := envelope.NewRaw(envelope.TypeMsgPublicChannel, sess.id, "public", d.clock.Now().UnixMilli(), raw)
	d.router.FanOutLocal(out, sess.id)
}

func (d *Dispatcher) commandCreateGroup(conn transport.Conn, sess *session, name string, members []string) {
	g, err := d.members.CreateGroup(name, sess.id, members)
	if err != nil {
		d.router.SendError(conn, sess.id, router.CodeBadPayload, err.Error())
		return
	}
	d.logger.Info("Group created",
		zap.String("group_id", g.ID),
		zap.String("owner", sess.id),
		zap.Int("members", len(g.Members)))
	_ = d.router.SendMessage(conn, sess.id, &envelope.GroupCreated{
		GroupID:   g.ID,
		GroupName: g.Name,
		Members:   g.Members,
	})
}

func (d *Dispatcher) commandGroup(conn transport.Conn, sess *session, env *envelope.Envelope, groupID, text string) {
	raw, err := json.Marshal(map[string]string{"group_id": groupID, "text": text})
	if err != nil {
		return
	}
	out := envelope.NewRaw(envelope.TypeMsgGroup, sess.id, groupID, env.TS, raw)
	d.handleGroupMessage(conn, out, &envelope.MsgGroup{GroupID: groupID})
}

// commandGroupMember changes a group roster. Only the owner adds or removes
// others; any member may remove itself.
func (d *Dispatcher) commandGroupMember(conn transport.Conn, sess *session, cmd, groupID, user string) {
	g, err := d.members.GetGroup(groupID)
	if err != nil {
		d.router.SendError(conn, sess.id, router.CodeUserNotFound, err.Error())
		return
	}
	leaving := cmd == "/group_remove" && user == sess.id
	if g.Owner != sess.id && !leaving {
		d.router.SendError(conn, sess.id, router.CodeBadPayload, fmt.Sprintf("only %s can change group %s", g.Owner, g.Name))
		return
	}

	if cmd == "/group_add" {
		err = d.members.AddMember(groupID, user)
	} else {
		err = d.members.RemoveMember(groupID, user)
	}
	if err != nil {
		d.router.SendError(conn, sess.id, router.CodeBadPayload, err.Error())
		return
	}
	d.logger.Info("Group roster changed",
		zap.String("group_id", groupID),
		zap.String("command", cmd),
		zap.String("user_id", user))
	_ = d.router.SendMessage(conn, sess.id, &envelope.Ack{MsgRef: cmd})
}

// restAfter returns the text following the first n whitespace separated
// words of s.
func restAfter(s string, n int) string {
	s = strings.TrimSpace(s)
	for i := 0; i < n; i++ {
		idx := strings.IndexFunc(s, isSpace)
		if idx < 0 {
			return ""
		}
		s = strings.TrimLeftFunc(s[idx:], isSpace)
	}
	return s
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }
