package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socp/pkg/crypto/cryptotest"
	"socp/pkg/envelope"
	"socp/pkg/metrics"
	"socp/pkg/state"
	"socp/pkg/transport/transporttest"
	"socp/pkg/types"
)

type fixture struct {
	dir     *state.Directory
	router  *Router
	clock   *clock.Mock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := state.NewDirectory("srv1", 128, time.Minute)
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	m := metrics.New(nil)
	r := New(dir, cryptotest.Key(t, 0), Config{}, mock, m, nil)
	return &fixture{dir: dir, router: r, clock: mock, metrics: m}
}

func direct(from, to string) *envelope.Envelope {
	return envelope.NewRaw(envelope.TypeMsgDirect, from, to, 1, json.RawMessage(`{"ciphertext":"abc","iv":"x","tag":"y"}`))
}

func TestRouteToUser(t *testing.T) {
	pub := &cryptotest.Key(t, 0).PublicKey

	t.Run("local user", func(t *testing.T) {
		f := newFixture(t)
		connA := transporttest.NewMemConn("alice")
		require.NoError(t, f.dir.AddLocalUser("alice", connA))

		assert.True(t, f.router.RouteToUser(nil, direct("carol", "alice")))

		got := connA.Envelopes(t)
		require.Len(t, got, 1)
		env := got[0]
		assert.Equal(t, envelope.TypeUserDeliver, env.Type)
		assert.Equal(t, "srv1", env.From)
		assert.Equal(t, "alice", env.To)
		assert.Equal(t, int64(1700000000000), env.TS)
		assert.True(t, env.Verify(pub))

		p := transporttest.Payload(t, env)
		assert.Equal(t, "abc", p["ciphertext"])
		assert.Equal(t, "carol", p["sender"])
		assert.Equal(t, "MSG_DIRECT", p["kind"])
	})

	t.Run("remote user", func(t *testing.T) {
		f := newFixture(t)
		connS2 := transporttest.NewMemConn("srv2")
		f.dir.AddServer("srv2", connS2, types.ServerAddr{}, nil, f.clock.Now())
		f.dir.SetRemoteLocation("bob", "srv2")

		assert.True(t, f.router.RouteToUser(nil, direct("alice", "bob")))

		got := connS2.Envelopes(t)
		require.Len(t, got, 1)
		env := got[0]
		assert.Equal(t, envelope.TypeServerDeliver, env.Type)
		assert.Equal(t, "srv2", env.To)
		assert.True(t, env.Verify(pub))

		p := transporttest.Payload(t, env)
		assert.Equal(t, "bob", p["user_id"])
		assert.Equal(t, "alice", p["sender"])
		assert.Equal(t, float64(1), p["hops"])
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t)
		origin := transporttest.NewMemConn("origin")

		assert.False(t, f.router.RouteToUser(origin, direct("alice", "ghost")))

		got := origin.Envelopes(t)
		require.Len(t, got, 1)
		assert.Equal(t, envelope.TypeError, got[0].Type)
		assert.Equal(t, "alice", got[0].To)
		assert.Equal(t, CodeUserNotFound, transporttest.Payload(t, got[0])["code"])
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues(metrics.OutcomeNotFound)))
	})

	t.Run("location on unlinked server", func(t *testing.T) {
		f := newFixture(t)
		f.dir.SetRemoteLocation("bob", "srv9")
		assert.False(t, f.router.RouteToUser(nil, direct("alice", "bob")))
	})

	t.Run("local wins over remote", func(t *testing.T) {
		f := newFixture(t)
		connS2 := transporttest.NewMemConn("srv2")
		connA := transporttest.NewMemConn("alice")
		f.dir.AddServer("srv2", connS2, types.ServerAddr{}, nil, f.clock.Now())
		f.dir.SetRemoteLocation("alice", "srv2")
		require.NoError(t, f.dir.AddLocalUser("alice", connA))

		assert.True(t, f.router.RouteToUser(nil, direct("bob", "alice")))
		assert.Len(t, connA.Envelopes(t), 1)
		assert.Empty(t, connS2.Envelopes(t))
	})

	t.Run("hops stripped on local delivery", func(t *testing.T) {
		f := newFixture(t)
		connA := transporttest.NewMemConn("alice")
		require.NoError(t, f.dir.AddLocalUser("alice", connA))

		env := envelope.NewRaw(envelope.TypeMsgDirect, "bob", "alice", 1, json.RawMessage(`{"hops":2,"sender":"bob","user_id":"alice"}`))
		assert.True(t, f.router.Route(nil, env, 2))

		p := transporttest.Payload(t, connA.Envelopes(t)[0])
		_, has := p["hops"]
		assert.False(t, has)
	})
}

func TestBroadcastUserAdvertise(t *testing.T) {
	f := newFixture(t)
	pub := &cryptotest.Key(t, 0).PublicKey
	peers := map[string]*transporttest.MemConn{
		"srv2": transporttest.NewMemConn("srv2"),
		"srv3": transporttest.NewMemConn("srv3"),
	}
	for id, c := range peers {
		f.dir.AddServer(id, c, types.ServerAddr{}, nil, f.clock.Now())
	}

	assert.Equal(t, 2, f.router.BroadcastUserAdvertise("alice", map[string]any{"pubkey": "k"}))

	var payloads []string
	for id, c := range peers {
		got := c.Envelopes(t)
		require.Len(t, got, 1)
		assert.Equal(t, envelope.TypeUserAdvertise, got[0].Type)
		assert.Equal(t, id, got[0].To, "addressed per peer")
		assert.True(t, got[0].Verify(pub))
		payloads = append(payloads, string(got[0].Payload))
	}
	assert.Equal(t, payloads[0], payloads[1], "same signed payload to each peer")

	msg, err := envelope.Decode(peers["srv2"].Envelopes(t)[0])
	require.NoError(t, err)
	adv := msg.(*envelope.UserAdvertise)
	assert.Equal(t, "srv1", adv.ServerID)
	assert.Equal(t, "k", adv.PubKey())
}

func TestRelayPreservesTimestampAndPayload(t *testing.T) {
	f := newFixture(t)
	src := transporttest.NewMemConn("srv2")
	dst := transporttest.NewMemConn("srv3")
	f.dir.AddServer("srv2", src, types.ServerAddr{}, nil, f.clock.Now())
	f.dir.AddServer("srv3", dst, types.ServerAddr{}, nil, f.clock.Now())

	in := envelope.NewRaw(envelope.TypeUserRemove, "srv2", "srv1", 12345, json.RawMessage(`{"server_id":"srv2","user_id":"bob"}`))
	assert.Equal(t, 1, f.router.Relay(in, "srv2"))
	assert.Empty(t, src.Envelopes(t))

	got := dst.Envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, int64(12345), got[0].TS)
	assert.Equal(t, "srv1", got[0].From)
	assert.Equal(t, "srv3", got[0].To)
	assert.JSONEq(t, string(in.Payload), string(got[0].Payload))
}

func TestSendHeartbeatContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	dead := transporttest.NewMemConn("srv2")
	live := transporttest.NewMemConn("srv3")
	f.dir.AddServer("srv2", dead, types.ServerAddr{}, nil, f.clock.Now())
	f.dir.AddServer("srv3", live, types.ServerAddr{}, nil, f.clock.Now())
	require.NoError(t, dead.Close())

	assert.Equal(t, 1, f.router.SendHeartbeat())

	got := live.Envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, envelope.TypeHeartbeat, got[0].Type)
	assert.Equal(t, "srv3", got[0].To)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SendFailures))
}

func TestCheckServerHealth(t *testing.T) {
	f := newFixture(t)
	stale := transporttest.NewMemConn("srv2")
	fresh := transporttest.NewMemConn("srv3")
	f.dir.AddServer("srv2", stale, types.ServerAddr{Host: "h2", Port: 2}, nil, f.clock.Now())
	f.dir.AddServer("srv3", fresh, types.ServerAddr{Host: "h3", Port: 3}, nil, f.clock.Now())
	f.dir.SetRemoteLocation("bob", "srv2")

	f.clock.Add(30 * time.Second)
	require.NoError(t, f.dir.Heartbeat("srv3", f.clock.Now()))

	f.clock.Add(15 * time.Second)
	assert.Empty(t, f.router.CheckServerHealth(f.clock.Now()), "exactly at the window is still alive")

	f.clock.Add(time.Millisecond)
	evicted := f.router.CheckServerHealth(f.clock.Now())
	require.Len(t, evicted, 1)
	assert.Equal(t, "srv2", evicted[0].ServerID)
	assert.Equal(t, []string{"bob"}, evicted[0].Purged)

	_, ok := f.dir.Server("srv2")
	assert.False(t, ok)
	_, ok = f.dir.ServerAddr("srv2")
	assert.False(t, ok)
	_, ok = f.dir.LastHeartbeat("srv2")
	assert.False(t, ok)
	assert.True(t, stale.Closed())

	_, ok = f.dir.Server("srv3")
	assert.True(t, ok)
	assert.False(t, fresh.Closed())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ServerEvictions))
}

func TestFanOutLocal(t *testing.T) {
	f := newFixture(t)
	conns := map[string]*transporttest.MemConn{}
	for _, u := range []string{"alice", "bob", "carol"} {
		conns[u] = transporttest.NewMemConn(u)
		require.NoError(t, f.dir.AddLocalUser(u, conns[u]))
	}

	env := envelope.NewRaw(envelope.TypeMsgPublicChannel, "alice", "public", 1, json.RawMessage(`{"text":"hi"}`))
	assert.Equal(t, 2, f.router.FanOutLocal(env, "alice"))

	assert.Empty(t, conns["alice"].Envelopes(t))
	var sigs []string
	for _, u := range []string{"bob", "carol"} {
		got := conns[u].Envelopes(t)
		require.Len(t, got, 1)
		assert.Equal(t, envelope.TypeUserDeliver, got[0].Type)
		assert.Equal(t, u, got[0].To)
		assert.Equal(t, "MSG_PUBLIC_CHANNEL", transporttest.Payload(t, got[0])["kind"])
		assert.True(t, got[0].Verify(&cryptotest.Key(t, 0).PublicKey), u)
		sigs = append(sigs, got[0].Sig)
	}
	assert.Equal(t, sigs[0], sigs[1], "payload is signed once per fan-out")
}
