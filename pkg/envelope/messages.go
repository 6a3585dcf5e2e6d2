package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is a typed payload. Decode maps every envelope type to one
// variant; types this node does not know decode to *Unrecognized.
type Message interface {
	MessageType() Type
}

type validator interface {
	validate() error
}

type UserInfo struct {
	UserID string `json:"user_id"`
	PubKey string `json:"pubkey,omitempty"`
}

type ServerHelloJoin struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	PubKey string `json:"pubkey"`
	// Public is the sender's public channel roster.
	Public *ChannelRoster `json:"public_channel,omitempty"`
}

type ServerWelcome struct {
	AssignedID string         `json:"assigned_id"`
	Host       string         `json:"host,omitempty"`
	Port       int            `json:"port,omitempty"`
	PubKey     string         `json:"pubkey"`
	Clients    []UserInfo     `json:"clients"`
	Public     *ChannelRoster `json:"public_channel,omitempty"`
}

// ChannelRoster is a channel version and its members as exchanged when two
// servers link.
type ChannelRoster struct {
	Version uint64   `json:"version"`
	Members []string `json:"members"`
}

type ServerAnnounce struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	PubKey string `json:"pubkey"`
}

type UserAdvertise struct {
	UserID   string         `json:"user_id"`
	ServerID string         `json:"server_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PubKey returns meta.pubkey when present.
func (m *UserAdvertise) PubKey() string {
	if m.Meta == nil {
		return ""
	}
	s, _ := m.Meta["pubkey"].(string)
	return s
}

type UserRemove struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
}

// ServerDeliver carries the addressing fields of a forwarded delivery. The
// opaque end-to-end fields stay in the envelope's raw payload.
type ServerDeliver struct {
	UserID string `json:"user_id"`
	Sender string `json:"sender,omitempty"`
	Hops   int    `json:"hops,omitempty"`
}

type Heartbeat struct{}

type PublicChannelAdd struct {
	ChannelID   string   `json:"channel_id"`
	BaseVersion uint64   `json:"base_version"`
	Add         []string `json:"add"`
}

type PublicChannelUpdated struct {
	ChannelID string   `json:"channel_id"`
	Version   uint64   `json:"version"`
	Members   []string `json:"members"`
}

type KeyShare struct {
	Member     string `json:"member"`
	WrappedKey string `json:"wrapped_public_channel_key"`
}

type PublicChannelKeyShare struct {
	ChannelID  string     `json:"channel_id"`
	Version    uint64     `json:"version"`
	Shares     []KeyShare `json:"shares"`
	CreatorPub string     `json:"creator_pub,omitempty"`
}

type UserHello struct {
	Client    string `json:"client,omitempty"`
	PubKey    string `json:"pubkey"`
	EncPubKey string `json:"enc_pubkey,omitempty"`
}

const (
	AuthLogin  = "login"
	AuthLogout = "logout"
)

type UserAuth struct {
	Action string `json:"action"`
}

type MsgGroup struct {
	GroupID string `json:"group_id"`
}

type ClientCommand struct {
	Cmd string `json:"cmd"`
}

// Opaque covers end-to-end payloads the router forwards without reading:
// MSG_DIRECT, MSG_PUBLIC_CHANNEL and the FILE_* family.
type Opaque struct {
	Kind Type `json:"-"`
}

type Ack struct {
	MsgRef string `json:"msg_ref"`
}

type Error struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

type List struct {
	Online []string `json:"online"`
}

type Presence struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	Location string `json:"location"`
}

type GroupCreated struct {
	GroupID   string   `json:"group_id"`
	GroupName string   `json:"group_name"`
	Members   []string `json:"members"`
}

// Unrecognized is any envelope type outside the protocol vocabulary.
type Unrecognized struct {
	Kind Type `json:"-"`
}

func (*ServerHelloJoin) MessageType() Type       { return TypeServerHelloJoin }
func (*ServerWelcome) MessageType() Type         { return TypeServerWelcome }
func (*ServerAnnounce) MessageType() Type        { return TypeServerAnnounce }
func (*UserAdvertise) MessageType() Type         { return TypeUserAdvertise }
func (*UserRemove) MessageType() Type            { return TypeUserRemove }
func (*ServerDeliver) MessageType() Type         { return TypeServerDeliver }
func (*Heartbeat) MessageType() Type             { return TypeHeartbeat }
func (*PublicChannelAdd) MessageType() Type      { return TypePublicChannelAdd }
func (*PublicChannelUpdated) MessageType() Type  { return TypePublicChannelUpdated }
func (*PublicChannelKeyShare) MessageType() Type { return TypePublicChannelKeyShare }
func (*UserHello) MessageType() Type             { return TypeUserHello }
func (*UserAuth) MessageType() Type              { return TypeUserAuth }
func (*MsgGroup) MessageType() Type              { return TypeMsgGroup }
func (*ClientCommand) MessageType() Type         { return TypeClientCommand }
func (m *Opaque) MessageType() Type              { return m.Kind }
func (*Ack) MessageType() Type                   { return TypeAck }
func (*Error) MessageType() Type                 { return TypeError }
func (*List) MessageType() Type                  { return TypeList }
func (*Presence) MessageType() Type              { return TypePresence }
func (*GroupCreated) MessageType() Type          { return TypeGroupCreated }
func (m *Unrecognized) MessageType() Type        { return m.Kind }

func (m *ServerHelloJoin) validate() error {
	if m.PubKey == "" {
		return fmt.Errorf("%w: pubkey required", ErrBadPayload)
	}
	if m.Host == "" {
		return fmt.Errorf("%w: host required", ErrBadPayload)
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrBadPayload, m.Port)
	}
	return nil
}

func (m *ServerWelcome) validate() error {
	if m.AssignedID == "" || m.PubKey == "" {
		return fmt.Errorf("%w: assigned_id and pubkey required", ErrBadPayload)
	}
	return nil
}

func (m *UserAdvertise) validate() error {
	if m.UserID == "" || m.ServerID == "" {
		return fmt.Errorf("%w: user_id and server_id required", ErrBadPayload)
	}
	return nil
}

func (m *UserRemove) validate() error {
	if m.UserID == "" || m.ServerID == "" {
		return fmt.Errorf("%w: user_id and server_id required", ErrBadPayload)
	}
	return nil
}

func (m *ServerDeliver) validate() error {
	if m.UserID == "" {
		return fmt.Errorf("%w: user_id required", ErrBadPayload)
	}
	return nil
}

func (m *PublicChannelAdd) validate() error {
	if m.ChannelID == "" {
		return fmt.Errorf("%w: channel_id required", ErrBadPayload)
	}
	return nil
}

func (m *PublicChannelUpdated) validate() error {
	if m.ChannelID == "" {
		return fmt.Errorf("%w: channel_id required", ErrBadPayload)
	}
	return nil
}

func (m *PublicChannelKeyShare) validate() error {
	if m.ChannelID == "" {
		return fmt.Errorf("%w: channel_id required", ErrBadPayload)
	}
	for _, s := range m.Shares {
		if s.Member == "" || s.WrappedKey == "" {
			return fmt.Errorf("%w: share needs member and wrapped key", ErrBadPayload)
		}
	}
	return nil
}

func (m *UserAuth) validate() error {
	if m.Action != AuthLogin && m.Action != AuthLogout {
		return fmt.Errorf("%w: unknown auth action %q", ErrBadPayload, m.Action)
	}
	return nil
}

func (m *MsgGroup) validate() error {
	if m.GroupID == "" {
		return fmt.Errorf("%w: group_id required", ErrBadPayload)
	}
	return nil
}

// Decode interprets the envelope payload according to its type.
func Decode(env *Envelope) (Message, error) {
	var msg Message
	switch env.Type {
	case TypeServerHelloJoin:
		msg = &ServerHelloJoin{}
	case TypeServerWelcome:
		msg = &ServerWelcome{}
	case TypeServerAnnounce:
		msg = &ServerAnnounce{}
	case TypeUserAdvertise:
		msg = &UserAdvertise{}
	case TypeUserRemove:
		msg = &UserRemove{}
	case TypeServerDeliver:
		msg = &ServerDeliver{}
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypePublicChannelAdd:
		msg = &PublicChannelAdd{}
	case TypePublicChannelUpdated:
		msg = &PublicChannelUpdated{}
	case TypePublicChannelKeyShare:
		msg = &PublicChannelKeyShare{}
	case TypeUserHello:
		msg = &UserHello{}
	case TypeUserAuth:
		msg = &UserAuth{}
	case TypeMsgGroup:
		msg = &MsgGroup{}
	case TypeClientCommand:
		msg = &ClientCommand{}
	case TypeMsgDirect, TypeMsgPublicChannel, TypeFileStart, TypeFileChunk, TypeFileEnd:
		return &Opaque{Kind: env.Type}, nil
	case TypeUserDeliver, TypeAck, TypeError, TypeList, TypePresence, TypeGroupCreated:
		// Server-to-client vocabulary is not accepted inbound.
		return &Unrecognized{Kind: env.Type}, nil
	default:
		return &Unrecognized{Kind: env.Type}, nil
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// New builds an unsigned envelope around a typed payload.
func New(from, to string, ts int64, msg Message) (*Envelope, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.MessageType(), err)
	}
	return &Envelope{Type: msg.MessageType(), From: from, To: to, TS: ts, Payload: raw}, nil
}

// NewRaw builds an unsigned envelope around an already encoded payload.
func NewRaw(t Type, from, to string, ts int64, payload json.RawMessage) *Envelope {
	if len(payload) == 0 {
		payload = emptyObject
	}
	return &Envelope{Type: t, From: from, To: to, TS: ts, Payload: payload}
}

// PayloadFields decodes the payload into a mutable map, preserving number
// literals so that re-encoding does not change their text.
func PayloadFields(env *Envelope) (map[string]any, error) {
	canon, err := Canonicalize(env.Payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(canon))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return fields, nil
}

// EncodeFields is the inverse of PayloadFields, emitting canonical bytes.
func EncodeFields(fields map[string]any) (json.RawMessage, error) {
	b, err := encodeCanonical(fields)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
