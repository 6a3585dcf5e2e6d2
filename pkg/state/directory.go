// Package state holds the per-node directory of linked servers, attached
// users and the federation's view of where every user is reachable.
//
// A Directory is guarded by a single mutex. Callers take it with Lock for
// the whole of one logical operation (one inbound envelope, one timer tick)
// and every method below assumes it is held.
package state

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"socp/pkg/transport"
	"socp/pkg/types"
)

var (
	ErrNameInUse     = errors.New("name already in use")
	ErrUnknownServer = errors.New("unknown server")
)

const (
	DefaultSeenSize = 65536
	DefaultSeenTTL  = 10 * time.Minute
)

type userKey struct {
	pub     *rsa.PublicKey
	encoded string
}

type Directory struct {
	mu       sync.Mutex
	serverID string

	servers       map[string]transport.Conn
	serverAddrs   map[string]types.ServerAddr
	serverKeys    map[string]*rsa.PublicKey
	lastHeartbeat map[string]time.Time
	// outbound marks links this node dialed.
	outbound map[string]bool

	localUsers    map[string]transport.Conn
	userLocations map[string]string
	userKeys      map[string]userKey

	// dialed holds outbound links awaiting SERVER_WELCOME.
	dialed map[transport.Conn]struct{}

	seen *expirable.LRU[string, struct{}]
}

func NewDirectory(serverID string, seenSize int, seenTTL time.Duration) *Directory {
	if seenSize <= 0 {
		seenSize = DefaultSeenSize
	}
	if seenTTL <= 0 {
		seenTTL = DefaultSeenTTL
	}
	return &Directory{
		serverID:      serverID,
		servers:       make(map[string]transport.Conn),
		serverAddrs:   make(map[string]types.ServerAddr),
		serverKeys:    make(map[string]*rsa.PublicKey),
		lastHeartbeat: make(map[string]time.Time),
		outbound:      make(map[string]bool),
		localUsers:    make(map[string]transport.Conn),
		userLocations: make(map[string]string),
		userKeys:      make(map[string]userKey),
		dialed:        make(map[transport.Conn]struct{}),
		seen:          expirable.NewLRU[string, struct{}](seenSize, nil, seenTTL),
	}
}

func (d *Directory) Lock()   { d.mu.Lock() }
func (d *Directory) Unlock() { d.mu.Unlock() }

func (d *Directory) ServerID() string { return d.serverID }

// AddLocalUser attaches a user session. The id must not already be local.
func (d *Directory) AddLocalUser(userID string, conn transport.Conn) error {
	if _, ok := d.localUsers[userID]; ok {
		return fmt.Errorf("%w: %s", ErrNameInUse, userID)
	}
	d.localUsers[userID] = conn
	d.userLocations[userID] = types.LocationLocal
	return nil
}

// RemoveLocalUser detaches a user session and forgets its location.
func (d *Directory) RemoveLocalUser(userID string) bool {
	if _, ok := d.localUsers[userID]; !ok {
		return false
	}
	delete(d.localUsers, userID)
	delete(d.userLocations, userID)
	return true
}

func (d *Directory) LocalUser(userID string) (transport.Conn, bool) {
	c, ok := d.localUsers[userID]
	return c, ok
}

// LocalUserByConn finds the session id registered on conn.
func (d *Directory) LocalUserByConn(conn transport.Conn) (string, bool) {
	for id, c := range d.localUsers {
		if c == conn {
			return id, true
		}
	}
	return "", false
}

// LocalUsers returns the attached user ids in sorted order.
func (d *Directory) LocalUsers() []string {
	return sortedKeys(d.localUsers)
}

// SetRemoteLocation records that userID is reachable through serverID.
// Local presence always wins; the call reports whether anything changed.
func (d *Directory) SetRemoteLocation(userID, serverID string) bool {
	if _, local := d.localUsers[userID]; local {
		return false
	}
	if serverID == d.serverID || serverID == types.LocationLocal {
		return false
	}
	if d.userLocations[userID] == serverID {
		return false
	}
	d.userLocations[userID] = serverID
	return true
}

// RemoveLocationIf deletes a remote location only when it still names
// serverID, so stale removals for a user who has moved are ignored.
func (d *Directory) RemoveLocationIf(userID, serverID string) bool {
	if _, local := d.localUsers[userID]; local {
		return false
	}
	loc, ok := d.userLocations[userID]
	if !ok || loc != serverID {
		return false
	}
	delete(d.userLocations, userID)
	return true
}

func (d *Directory) Location(userID string) (string, bool) {
	loc, ok := d.userLocations[userID]
	return loc, ok
}

// KnownUsers returns every user with a known location, sorted.
func (d *Directory) KnownUsers() []string {
	return sortedKeys(d.userLocations)
}

// AddServer links a peer and seeds its liveness timestamp. A previous link
// registered under the same id is returned so the caller can close it.
func (d *Directory) AddServer(serverID string, conn transport.Conn, addr types.ServerAddr, pub *rsa.PublicKey, now time.Time) transport.Conn {
	prev := d.servers[serverID]
	if prev == conn {
		prev = nil
	}
	d.servers[serverID] = conn
	d.serverAddrs[serverID] = addr
	if pub != nil {
		d.serverKeys[serverID] = pub
	}
	d.lastHeartbeat[serverID] = now
	_, dialed := d.dialed[conn]
	d.outbound[serverID] = dialed
	delete(d.dialed, conn)
	return prev
}

// Outbound reports whether the current link to serverID was dialed by this
// node.
func (d *Directory) Outbound(serverID string) bool { return d.outbound[serverID] }

func (d *Directory) SetServerAddr(serverID string, addr types.ServerAddr) {
	d.serverAddrs[serverID] = addr
}

func (d *Directory) SetServerKey(serverID string, pub *rsa.PublicKey) {
	d.serverKeys[serverID] = pub
}

func (d *Directory) Server(serverID string) (transport.Conn, bool) {
	c, ok := d.servers[serverID]
	return c, ok
}

func (d *Directory) ServerAddr(serverID string) (types.ServerAddr, bool) {
	a, ok := d.serverAddrs[serverID]
	return a, ok
}

func (d *Directory) ServerKey(serverID string) *rsa.PublicKey {
	return d.serverKeys[serverID]
}

// ServerByConn finds the server id linked on conn.
func (d *Directory) ServerByConn(conn transport.Conn) (string, bool) {
	for id, c := range d.servers {
		if c == conn {
			return id, true
		}
	}
	return "", false
}

// ServerIDs returns the linked peer ids in sorted order.
func (d *Directory) ServerIDs() []string {
	return sortedKeys(d.servers)
}

// RemoveServer unlinks a peer and purges every user location that pointed
// at it. The purged user ids are returned.
func (d *Directory) RemoveServer(serverID string) (transport.Conn, []string) {
	conn := d.servers[serverID]
	delete(d.servers, serverID)
	delete(d.serverAddrs, serverID)
	delete(d.serverKeys, serverID)
	delete(d.lastHeartbeat, serverID)
	delete(d.outbound, serverID)

	var purged []string
	for user, loc := range d.userLocations {
		if loc == serverID {
			delete(d.userLocations, user)
			purged = append(purged, user)
		}
	}
	sort.Strings(purged)
	return conn, purged
}

// Heartbeat refreshes the liveness timestamp of a linked peer.
func (d *Directory) Heartbeat(serverID string, now time.Time) error {
	if _, ok := d.servers[serverID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	d.lastHeartbeat[serverID] = now
	return nil
}

func (d *Directory) LastHeartbeat(serverID string) (time.Time, bool) {
	t, ok := d.lastHeartbeat[serverID]
	return t, ok
}

// StaleServers lists peers whose last heartbeat is older than window.
func (d *Directory) StaleServers(now time.Time, window time.Duration) []string {
	var stale []string
	for id, last := range d.lastHeartbeat {
		if now.Sub(last) > window {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// MarkSeen inserts a de-duplication key. It reports false when the key was
// already present, in which case the envelope must be dropped.
func (d *Directory) MarkSeen(key string) bool {
	if d.seen.Contains(key) {
		return false
	}
	d.seen.Add(key, struct{}{})
	return true
}

func (d *Directory) SeenLen() int { return d.seen.Len() }

// SetUserKey records a user's public key along with its wire encoding.
func (d *Directory) SetUserKey(userID string, pub *rsa.PublicKey, encoded string) {
	d.userKeys[userID] = userKey{pub: pub, encoded: encoded}
}

func (d *Directory) UserKey(userID string) (*rsa.PublicKey, string, bool) {
	k, ok := d.userKeys[userID]
	return k.pub, k.encoded, ok
}

func (d *Directory) AddDialed(conn transport.Conn) { d.dialed[conn] = struct{}{} }

func (d *Directory) IsDialed(conn transport.Conn) bool {
	_, ok := d.dialed[conn]
	return ok
}

func (d *Directory) RemoveDialed(conn transport.Conn) bool {
	if _, ok := d.dialed[conn]; !ok {
		return false
	}
	delete(d.dialed, conn)
	return true
}

// CheckConsistency verifies that local_users and user_locations agree:
// every local user is located "local" and nothing else is.
func (d *Directory) CheckConsistency() error {
	for id := range d.localUsers {
		if d.userLocations[id] != types.LocationLocal {
			return fmt.Errorf("local user %s has location %q", id, d.userLocations[id])
		}
	}
	for id, loc := range d.userLocations {
		if loc != types.LocationLocal {
			continue
		}
		if _, ok := d.localUsers[id]; !ok {
			return fmt.Errorf("user %s located local without a session", id)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
