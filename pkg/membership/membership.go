// Package membership tracks groups and the versioned public channel roster.
// The router only asks it who the members of a channel or group are.
package membership

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PublicChannelID names the network-wide channel every user joins.
const PublicChannelID = "public"

var (
	ErrNotFound        = errors.New("group not found")
	ErrVersionConflict = errors.New("channel version conflict")
	ErrInvalidName     = errors.New("invalid group name")
)

// Resolver maps a channel or group id to its member user ids.
type Resolver interface {
	ResolveMembers(id string) []string
}

type Group struct {
	ID        string
	Name      string
	Owner     string
	Members   []string
	CreatedAt time.Time
}

// Channel is a version-gated roster with per-member wrapped keys.
type Channel struct {
	ID      string
	Version uint64
	members map[string]struct{}
	keys    map[string]string
}

// Manager handles groups and channel rosters
type Manager struct {
	mu sync.RWMutex

	groups   map[string]*Group
	channels map[string]*Channel
}

var _ Resolver = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{
		groups:   make(map[string]*Group),
		channels: make(map[string]*Channel),
	}
}

// CreateGroup creates a group owned by owner. The owner is always a member.
func (m *Manager) CreateGroup(name, owner string, members []string) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Group{
		ID:        uuid.New().String(),
		Name:      name,
		Owner:     owner,
		Members:   normalize(append([]string{owner}, members...)),
		CreatedAt: time.Now(),
	}
	m.groups[g.ID] = g
	return cloneGroup(g), nil
}

func (m *Manager) GetGroup(id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneGroup(g), nil
}

func (m *Manager) ListGroups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) AddMember(groupID, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, groupID)
	}
	g.Members = normalize(append(g.Members, user))
	return nil
}

// RemoveMember drops user from a group. The owner cannot be removed.
func (m *Manager) RemoveMember(groupID, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, groupID)
	}
	if user == g.Owner {
		return fmt.Errorf("cannot remove owner %s from group %s", user, groupID)
	}
	kept := g.Members[:0]
	for _, member := range g.Members {
		if member != user {
			kept = append(kept, member)
		}
	}
	g.Members = kept
	return nil
}

// ResolveMembers returns the sorted members of a group or channel, or nil
// when the id is unknown.
func (m *Manager) ResolveMembers(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if g, ok := m.groups[id]; ok {
		return append([]string(nil), g.Members...)
	}
	if ch, ok := m.channels[id]; ok {
		return sortedSet(ch.members)
	}
	return nil
}

func (m *Manager) IsMember(id, user string) bool {
	for _, member := range m.ResolveMembers(id) {
		if member == user {
			return true
		}
	}
	return false
}

func (m *Manager) channel(id string) *Channel {
	ch, ok := m.channels[id]
	if !ok {
		ch = &Channel{ID: id, members: make(map[string]struct{}), keys: make(map[string]string)}
		m.channels[id] = ch
	}
	return ch
}

// ChannelVersion is the locally held version of a channel, zero if unseen.
func (m *Manager) ChannelVersion(id string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ch, ok := m.channels[id]; ok {
		return ch.Version
	}
	return 0
}

// ApplyAdd applies an additive roster change. base must equal the local
// version; the channel then advances to base+1.
func (m *Manager) ApplyAdd(id string, base uint64, add []string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channel(id)
	if base != ch.Version {
		return ch.Version, fmt.Errorf("%w: %s base %d, local %d", ErrVersionConflict, id, base, ch.Version)
	}
	for _, user := range add {
		if user != "" {
			ch.members[user] = struct{}{}
		}
	}
	ch.Version = base + 1
	return ch.Version, nil
}

// ApplyUpdated replaces the roster with a strictly newer version.
func (m *Manager) ApplyUpdated(id string, version uint64, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channel(id)
	if version <= ch.Version {
		return fmt.Errorf("%w: %s version %d, local %d", ErrVersionConflict, id, version, ch.Version)
	}
	ch.members = make(map[string]struct{}, len(members))
	for _, user := range members {
		if user != "" {
			ch.members[user] = struct{}{}
		}
	}
	ch.Version = version
	return nil
}

// MergeChannel folds a peer's roster into the local one: members are united
// and the version becomes the larger of the two. Both ends of a new link
// merge each other's roster and so agree afterwards. It reports whether the
// local roster changed.
func (m *Manager) MergeChannel(id string, version uint64, members []string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channel(id)
	changed := false
	for _, user := range members {
		if user == "" {
			continue
		}
		if _, ok := ch.members[user]; !ok {
			ch.members[user] = struct{}{}
			changed = true
		}
	}
	if version > ch.Version {
		ch.Version = version
		changed = true
	}
	return ch.Version, changed
}

// AcceptKeyShare records wrapped keys for a version at least as new as the
// local one.
func (m *Manager) AcceptKeyShare(id string, version uint64, shares map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channel(id)
	if version < ch.Version {
		return fmt.Errorf("%w: %s key version %d, local %d", ErrVersionConflict, id, version, ch.Version)
	}
	ch.Version = version
	for member, key := range shares {
		ch.keys[member] = key
	}
	return nil
}

// WrappedKey returns the last wrapped channel key recorded for member.
func (m *Manager) WrappedKey(id, member string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return "", false
	}
	k, ok := ch.keys[member]
	return k, ok
}

func normalize(users []string) []string {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" {
			set[u] = struct{}{}
		}
	}
	return sortedSet(set)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func cloneGroup(g *Group) *Group {
	c := *g
	c.Members = append([]string(nil), g.Members...)
	return &c
}
