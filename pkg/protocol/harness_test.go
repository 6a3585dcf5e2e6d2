package protocol

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"socp/pkg/crypto"
	"socp/pkg/crypto/cryptotest"
	"socp/pkg/envelope"
	"socp/pkg/membership"
	"socp/pkg/metrics"
	"socp/pkg/router"
	"socp/pkg/state"
	"socp/pkg/transport/transporttest"
	"socp/pkg/types"
)

// Shared test keys: 0 and 1 belong to servers, 2 to users.
const (
	nodeKey = 0
	peerKey = 1
	userKey = 2
)

type harness struct {
	t       *testing.T
	dir     *state.Directory
	clock   *clock.Mock
	members *membership.Manager
	metrics *metrics.Metrics
	disp    *Dispatcher
}

func newHarness(t *testing.T) *harness {
	return newNamedHarness(t, "srv1", nodeKey)
}

func newNamedHarness(t *testing.T, id string, key int) *harness {
	t.Helper()
	dir := state.NewDirectory(id, 1024, time.Minute)
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	m := metrics.New(nil)
	priv := cryptotest.Key(t, key)
	r := router.New(dir, priv, router.Config{}, mock, m, nil)
	members := membership.NewManager()

	d, err := New(dir, r, members, priv, Config{Advertise: types.ServerAddr{Host: "127.0.0.1", Port: 9000 + key}}, m, nil)
	require.NoError(t, err)

	return &harness{t: t, dir: dir, clock: mock, members: members, metrics: m, disp: d}
}

func (h *harness) deliver(conn *transporttest.MemConn, env *envelope.Envelope) {
	h.t.Helper()
	frame, err := env.Marshal()
	require.NoError(h.t, err)
	h.disp.HandleFrame(conn, frame)
}

func (h *harness) now() int64 { return h.clock.Now().UnixMilli() }

// login attaches a user through USER_HELLO and clears the ACK.
func (h *harness) login(user string) *transporttest.MemConn {
	h.t.Helper()
	conn := transporttest.NewMemConn(user)
	h.deliver(conn, signed(h.t, userKey, user, "srv1", h.now(), &envelope.UserHello{
		Client: "test",
		PubKey: cryptotest.PublicB64(h.t, userKey),
	}))
	acks := conn.OfType(h.t, envelope.TypeAck)
	require.Len(h.t, acks, 1, "hello must be acknowledged")
	conn.Reset()
	return conn
}

// link joins a peer through SERVER_HELLO_JOIN and clears the WELCOME.
func (h *harness) link(peer string) *transporttest.MemConn {
	h.t.Helper()
	conn := transporttest.NewMemConn(peer)
	h.deliver(conn, signed(h.t, peerKey, peer, types.Wildcard, h.now(), &envelope.ServerHelloJoin{
		Host:   "10.0.0.2",
		Port:   9100,
		PubKey: cryptotest.PublicB64(h.t, peerKey),
	}))
	require.Len(h.t, conn.OfType(h.t, envelope.TypeServerWelcome), 1, "join must be welcomed")
	conn.Reset()
	return conn
}

func signed(t *testing.T, key int, from, to string, ts int64, msg envelope.Message) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(from, to, ts, msg)
	require.NoError(t, err)
	require.NoError(t, env.Sign(cryptotest.Key(t, key)))
	return env
}

func signedRaw(t *testing.T, key int, typ envelope.Type, from, to string, ts int64, payload string) *envelope.Envelope {
	t.Helper()
	env := envelope.NewRaw(typ, from, to, ts, json.RawMessage(payload))
	require.NoError(t, env.Sign(cryptotest.Key(t, key)))
	return env
}

func unsigned(typ envelope.Type, from, to string, ts int64, payload string) *envelope.Envelope {
	return envelope.NewRaw(typ, from, to, ts, json.RawMessage(payload))
}

func errorCode(t *testing.T, env *envelope.Envelope) string {
	t.Helper()
	code, _ := transporttest.Payload(t, env)["code"].(string)
	return code
}

func weakKeyB64(t *testing.T) string {
	t.Helper()
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	enc, err := crypto.EncodePublicKey(&weak.PublicKey)
	require.NoError(t, err)
	return enc
}
