package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"socp/pkg/config"
	"socp/pkg/crypto/cryptotest"
	"socp/pkg/envelope"
	"socp/pkg/state"
	"socp/pkg/transport/transporttest"
	"socp/pkg/types"
)

func testConfig(id string) *config.Config {
	cfg := config.Default()
	cfg.ServerID = id
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.AdvertisePort = 8765
	return cfg
}

// startNode serves a node on an httptest listener and returns its ws URL.
func startNode(t *testing.T, id string, key int) (*Node, *httptest.Server, string) {
	t.Helper()
	n, err := New(testConfig(id), cryptotest.Key(t, key), zaptest.NewLogger(t))
	require.NoError(t, err)

	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = n.Close() })
	return n, srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// wsClient is a bare user client speaking envelopes over gorilla websocket.
type wsClient struct {
	t  *testing.T
	id string
	ws *websocket.Conn
}

func dialUser(t *testing.T, url, id string) *wsClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &wsClient{t: t, id: id, ws: ws}
	c.send(envelope.TypeUserHello, "server", &envelope.UserHello{Client: "test", PubKey: cryptotest.PublicB64(t, 2)})
	c.await(envelope.TypeAck)
	return c
}

func (c *wsClient) send(_ envelope.Type, to string, msg envelope.Message) {
	c.t.Helper()
	env, err := envelope.New(c.id, to, time.Now().UnixMilli(), msg)
	require.NoError(c.t, err)
	c.write(env)
}

func (c *wsClient) write(env *envelope.Envelope) {
	c.t.Helper()
	require.NoError(c.t, env.Sign(cryptotest.Key(c.t, 2)))
	frame, err := env.Marshal()
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, frame))
}

// await reads frames until one of type typ arrives.
func (c *wsClient) await(typ envelope.Type) *envelope.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, frame, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		env, err := envelope.Parse(frame)
		require.NoError(c.t, err)
		if env.Type == typ {
			return env
		}
	}
}

func location(n *Node, user string) string {
	return n.Dispatcher().Snapshot().UserLocations[user]
}

func TestTwoNodesOverWebSocket(t *testing.T) {
	nodeA, srvA, urlA := startNode(t, "srvA", 0)
	nodeB, _, urlB := startNode(t, "srvB", 1)

	u1 := dialUser(t, urlA, "u1")

	_, err := nodeB.Connect(context.Background(), urlA)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return location(nodeB, "u1") == "srvA" },
		5*time.Second, 20*time.Millisecond, "welcome carries A's users")

	u2 := dialUser(t, urlB, "u2")
	require.Eventually(t, func() bool { return location(nodeA, "u2") == "srvB" },
		5*time.Second, 20*time.Millisecond, "advertise reaches A")

	direct := envelope.NewRaw(envelope.TypeMsgDirect, "u2", "u1", time.Now().UnixMilli(),
		json.RawMessage(`{"ciphertext":"c2ln","iv":"aXY","tag":"dGFn"}`))
	u2.write(direct)

	got := u1.await(envelope.TypeUserDeliver)
	assert.Equal(t, "u1", got.To)
	assert.Equal(t, "srvA", got.From)
	p := transporttest.Payload(t, got)
	assert.Equal(t, "u2", p["sender"])
	assert.Equal(t, "c2ln", p["ciphertext"])

	t.Run("status", func(t *testing.T) {
		resp, err := http.Get(srvA.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snap state.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		assert.Equal(t, "srvA", snap.ServerID)
		require.Len(t, snap.Servers, 1)
		assert.Equal(t, "srvB", snap.Servers[0].ID)
		assert.Equal(t, []string{"u1"}, snap.LocalUsers)
		assert.Equal(t, "srvB", snap.UserLocations["u2"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srvA.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "socp_frames_received_total")
		assert.Contains(t, string(body), "socp_servers_linked 1")
	})

	t.Run("user disconnect is gossiped", func(t *testing.T) {
		require.NoError(t, u2.ws.Close())
		require.Eventually(t, func() bool { return location(nodeA, "u2") == "" },
			5*time.Second, 20*time.Millisecond)
	})
}

func TestStatusRejectsPost(t *testing.T) {
	_, srv, _ := startNode(t, "srvA", 0)
	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConnectFailure(t *testing.T) {
	n, err := New(testConfig("srvA"), cryptotest.Key(t, 0), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = n.Connect(ctx, "ws://127.0.0.1:1")
	assert.Error(t, err)
}

func TestTimersHeartbeatAndEvict(t *testing.T) {
	mock := clock.NewMock()
	n, err := New(testConfig("srvA"), cryptotest.Key(t, 0), zaptest.NewLogger(t), WithClock(mock))
	require.NoError(t, err)
	defer n.Close()

	peer := transporttest.NewMemConn("srvB")
	join, err := envelope.New("srvB", types.Wildcard, mock.Now().UnixMilli(), &envelope.ServerHelloJoin{
		Host: "127.0.0.1", Port: 9100, PubKey: cryptotest.PublicB64(t, 1),
	})
	require.NoError(t, err)
	require.NoError(t, join.Sign(cryptotest.Key(t, 1)))
	frame, err := join.Marshal()
	require.NoError(t, err)
	n.Dispatcher().HandleFrame(peer, frame)
	require.Equal(t, 1, n.Dispatcher().LinkCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.runTimers(ctx)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(peer.OfType(t, envelope.TypeHeartbeat)) > 0
	}, 5*time.Second, 5*time.Millisecond, "heartbeat sent")

	// The peer never answers, so it is evicted once the liveness window passes.
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return peer.Closed()
	}, 5*time.Second, 5*time.Millisecond, "silent peer evicted")
	assert.Equal(t, 0, n.Dispatcher().LinkCount())
}

func TestAdvertiseAddr(t *testing.T) {
	tests := []struct {
		name    string
		listen  string
		host    string
		port    int
		want    types.ServerAddr
		wantErr bool
	}{
		{name: "from listen", listen: "10.1.2.3:9000", want: types.ServerAddr{Host: "10.1.2.3", Port: 9000}},
		{name: "wildcard host", listen: ":8765", want: types.ServerAddr{Host: "127.0.0.1", Port: 8765}},
		{name: "explicit", listen: ":8765", host: "chat.example", port: 443, want: types.ServerAddr{Host: "chat.example", Port: 443}},
		{name: "host only", listen: "0.0.0.0:7000", host: "node-a", want: types.ServerAddr{Host: "node-a", Port: 7000}},
		{name: "bad listen", listen: "nonsense", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.ListenAddress = tt.listen
			cfg.AdvertiseHost = tt.host
			cfg.AdvertisePort = tt.port

			got, err := advertiseAddr(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackoff(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(dialMaxDelay)*(1+dialJitter)))
	}
	assert.Less(t, backoff(0), time.Second)
}

func TestSleepFollowsClock(t *testing.T) {
	mock := clock.NewMock()
	n, err := New(testConfig("srvA"), cryptotest.Key(t, 0), zaptest.NewLogger(t), WithClock(mock))
	require.NoError(t, err)
	defer n.Close()

	done := make(chan bool, 1)
	go func() { done <- n.sleep(context.Background(), backoff(0)) }()
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		select {
		case ok := <-done:
			return assert.True(t, ok)
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond, "redial pause elapses on the node clock")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, n.sleep(ctx, time.Hour))
}
