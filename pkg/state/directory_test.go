package state

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socp/pkg/transport/transporttest"
	"socp/pkg/types"
)

func newTestDirectory() *Directory {
	return NewDirectory("srv-a", 16, time.Minute)
}

func TestLocalUsers(t *testing.T) {
	d := newTestDirectory()
	alice := transporttest.NewMemConn("alice")

	require.NoError(t, d.AddLocalUser("alice", alice))
	loc, ok := d.Location("alice")
	require.True(t, ok)
	assert.Equal(t, types.LocationLocal, loc)

	t.Run("duplicate rejected and original kept", func(t *testing.T) {
		other := transporttest.NewMemConn("other")
		err := d.AddLocalUser("alice", other)
		assert.ErrorIs(t, err, ErrNameInUse)

		c, ok := d.LocalUser("alice")
		require.True(t, ok)
		assert.Same(t, alice, c)
	})

	t.Run("lookup by conn", func(t *testing.T) {
		id, ok := d.LocalUserByConn(alice)
		require.True(t, ok)
		assert.Equal(t, "alice", id)
	})

	t.Run("remove", func(t *testing.T) {
		assert.True(t, d.RemoveLocalUser("alice"))
		assert.False(t, d.RemoveLocalUser("alice"))
		_, ok := d.Location("alice")
		assert.False(t, ok)
	})
}

func TestRemoteLocations(t *testing.T) {
	d := newTestDirectory()

	assert.True(t, d.SetRemoteLocation("bob", "srv-b"))
	assert.False(t, d.SetRemoteLocation("bob", "srv-b"), "unchanged")
	assert.False(t, d.SetRemoteLocation("bob", "srv-a"), "own id is never remote")

	t.Run("stale removal ignored", func(t *testing.T) {
		assert.True(t, d.SetRemoteLocation("bob", "srv-c"))
		assert.False(t, d.RemoveLocationIf("bob", "srv-b"))
		loc, _ := d.Location("bob")
		assert.Equal(t, "srv-c", loc)
	})

	t.Run("matching removal", func(t *testing.T) {
		assert.True(t, d.RemoveLocationIf("bob", "srv-c"))
		_, ok := d.Location("bob")
		assert.False(t, ok)
	})

	t.Run("local wins", func(t *testing.T) {
		require.NoError(t, d.AddLocalUser("carol", transporttest.NewMemConn("c")))
		assert.False(t, d.SetRemoteLocation("carol", "srv-b"))
		assert.False(t, d.RemoveLocationIf("carol", types.LocationLocal))
		loc, _ := d.Location("carol")
		assert.Equal(t, types.LocationLocal, loc)
	})
}

func TestServers(t *testing.T) {
	d := newTestDirectory()
	now := time.Unix(1000, 0)
	link := transporttest.NewMemConn("b")

	prev := d.AddServer("srv-b", link, types.ServerAddr{Host: "10.0.0.2", Port: 9000}, nil, now)
	assert.Nil(t, prev)

	id, ok := d.ServerByConn(link)
	require.True(t, ok)
	assert.Equal(t, "srv-b", id)

	last, ok := d.LastHeartbeat("srv-b")
	require.True(t, ok)
	assert.Equal(t, now, last)

	d.SetRemoteLocation("bob", "srv-b")
	d.SetRemoteLocation("dave", "srv-b")
	d.SetRemoteLocation("erin", "srv-c")

	t.Run("replacement returns previous link", func(t *testing.T) {
		again := transporttest.NewMemConn("b2")
		prev := d.AddServer("srv-b", again, types.ServerAddr{Host: "10.0.0.2", Port: 9000}, nil, now)
		assert.Same(t, link, prev)
		link = again
	})

	t.Run("remove purges locations", func(t *testing.T) {
		conn, purged := d.RemoveServer("srv-b")
		assert.Same(t, link, conn)
		assert.Equal(t, []string{"bob", "dave"}, purged)

		_, ok := d.Server("srv-b")
		assert.False(t, ok)
		_, ok = d.ServerAddr("srv-b")
		assert.False(t, ok)
		_, ok = d.LastHeartbeat("srv-b")
		assert.False(t, ok)

		loc, ok := d.Location("erin")
		require.True(t, ok)
		assert.Equal(t, "srv-c", loc)
	})
}

func TestHeartbeatAndStaleServers(t *testing.T) {
	d := newTestDirectory()
	start := time.Unix(1000, 0)
	window := 45 * time.Second

	d.AddServer("srv-b", transporttest.NewMemConn("b"), types.ServerAddr{}, nil, start)
	d.AddServer("srv-c", transporttest.NewMemConn("c"), types.ServerAddr{}, nil, start)

	later := start.Add(40 * time.Second)
	require.NoError(t, d.Heartbeat("srv-c", later))
	assert.ErrorIs(t, d.Heartbeat("srv-x", later), ErrUnknownServer)

	assert.Empty(t, d.StaleServers(start.Add(window), window))
	assert.Equal(t, []string{"srv-b"}, d.StaleServers(start.Add(window+time.Millisecond), window))
}

func TestMarkSeen(t *testing.T) {
	d := NewDirectory("srv-a", 2, time.Minute)

	assert.True(t, d.MarkSeen("k1"))
	assert.False(t, d.MarkSeen("k1"))
	assert.True(t, d.MarkSeen("k2"))
	assert.True(t, d.MarkSeen("k3"))
	assert.Equal(t, 2, d.SeenLen(), "bounded")
}

func TestDialed(t *testing.T) {
	d := newTestDirectory()
	c := transporttest.NewMemConn("out")

	d.AddDialed(c)
	assert.True(t, d.IsDialed(c))

	d.AddServer("srv-b", c, types.ServerAddr{}, nil, time.Now())
	assert.False(t, d.IsDialed(c), "welcome completes the dial")
	assert.False(t, d.RemoveDialed(c))
	assert.True(t, d.Outbound("srv-b"))

	in := transporttest.NewMemConn("in")
	d.AddServer("srv-c", in, types.ServerAddr{}, nil, time.Now())
	assert.False(t, d.Outbound("srv-c"))

	d.RemoveServer("srv-b")
	assert.False(t, d.Outbound("srv-b"))
}

func TestConsistencyUnderRandomOperations(t *testing.T) {
	d := newTestDirectory()
	rng := rand.New(rand.NewSource(7))
	users := []string{"u1", "u2", "u3", "u4"}
	servers := []string{"srv-b", "srv-c"}
	conns := map[string]*transporttest.MemConn{}

	for i := 0; i < 2000; i++ {
		u := users[rng.Intn(len(users))]
		s := servers[rng.Intn(len(servers))]
		switch rng.Intn(5) {
		case 0:
			c := transporttest.NewMemConn(u)
			if d.AddLocalUser(u, c) == nil {
				conns[u] = c
			}
		case 1:
			if id, ok := d.LocalUserByConn(conns[u]); ok {
				d.RemoveLocalUser(id)
			}
		case 2:
			d.SetRemoteLocation(u, s)
		case 3:
			d.RemoveLocationIf(u, s)
		case 4:
			if rng.Intn(2) == 0 {
				d.AddServer(s, transporttest.NewMemConn(s), types.ServerAddr{}, nil, time.Now())
			} else {
				d.RemoveServer(s)
			}
		}
		require.NoError(t, d.CheckConsistency(), "step %d", i)
	}
}

func TestSnapshot(t *testing.T) {
	d := newTestDirectory()
	now := time.UnixMilli(1700000000000)
	d.AddServer("srv-b", transporttest.NewMemConn("b"), types.ServerAddr{Host: "h", Port: 1}, nil, now)
	require.NoError(t, d.AddLocalUser("alice", transporttest.NewMemConn("a")))
	d.SetRemoteLocation("bob", "srv-b")
	d.MarkSeen("x")

	snap := d.Snapshot(now)
	assert.Equal(t, "srv-a", snap.ServerID)
	assert.Equal(t, []ServerStatus{{ID: "srv-b", Host: "h", Port: 1, LastHeartbeatMS: 1700000000000}}, snap.Servers)
	assert.Equal(t, []string{"alice"}, snap.LocalUsers)
	assert.Equal(t, map[string]string{"alice": "local", "bob": "srv-b"}, snap.UserLocations)
	assert.Equal(t, 1, snap.SeenEntries)
}
