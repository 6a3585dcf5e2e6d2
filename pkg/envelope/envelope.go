// Package envelope implements the wire unit of the federation protocol:
// the JSON envelope, its canonical payload encoding, detached signatures and
// the typed payload variants carried per message type.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	// Federation
	TypeServerHelloJoin       Type = "SERVER_HELLO_JOIN"
	TypeServerWelcome         Type = "SERVER_WELCOME"
	TypeServerAnnounce        Type = "SERVER_ANNOUNCE"
	TypeUserAdvertise         Type = "USER_ADVERTISE"
	TypeUserRemove            Type = "USER_REMOVE"
	TypeServerDeliver         Type = "SERVER_DELIVER"
	TypeHeartbeat             Type = "HEARTBEAT"
	TypePublicChannelAdd      Type = "PUBLIC_CHANNEL_ADD"
	TypePublicChannelUpdated  Type = "PUBLIC_CHANNEL_UPDATED"
	TypePublicChannelKeyShare Type = "PUBLIC_CHANNEL_KEY_SHARE"

	// Client to server
	TypeUserHello        Type = "USER_HELLO"
	TypeUserAuth         Type = "USER_AUTH"
	TypeMsgDirect        Type = "MSG_DIRECT"
	TypeMsgPublicChannel Type = "MSG_PUBLIC_CHANNEL"
	TypeMsgGroup         Type = "MSG_GROUP"
	TypeFileStart        Type = "FILE_START"
	TypeFileChunk        Type = "FILE_CHUNK"
	TypeFileEnd          Type = "FILE_END"
	TypeClientCommand    Type = "CLIENT_COMMAND"

	// Server to client
	TypeUserDeliver  Type = "USER_DELIVER"
	TypeAck          Type = "ACK"
	TypeError        Type = "ERROR"
	TypeList         Type = "LIST"
	TypePresence     Type = "PRESENCE"
	TypeGroupCreated Type = "GROUP_CREATED"
)

var (
	ErrMalformed  = errors.New("malformed envelope")
	ErrBadPayload = errors.New("bad payload")
)

// Envelope is the unit of communication between nodes and clients.
type Envelope struct {
	Type    Type            `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig"`
}

var emptyObject = json.RawMessage(`{}`)

// Parse decodes a text frame. The payload must be a JSON object; a missing
// or null payload is normalised to {}.
func Parse(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	trimmed := bytes.TrimSpace(env.Payload)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		env.Payload = emptyObject
	case trimmed[0] != '{':
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}
	return &env, nil
}

// Marshal renders the envelope as a compact text frame.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Payload) == 0 {
		e.Payload = emptyObject
	}
	return json.Marshal(e)
}

// NowMillis is the envelope timestamp for t.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
