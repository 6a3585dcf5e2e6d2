package state

import (
	"time"
)

type ServerStatus struct {
	ID              string `json:"id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	LastHeartbeatMS int64  `json:"last_heartbeat_ms"`
}

// Snapshot is a point-in-time copy of the directory for status reporting.
type Snapshot struct {
	ServerID      string            `json:"server_id"`
	TakenAt       time.Time         `json:"taken_at"`
	Servers       []ServerStatus    `json:"servers"`
	LocalUsers    []string          `json:"local_users"`
	UserLocations map[string]string `json:"user_locations"`
	SeenEntries   int               `json:"seen_entries"`
	Groups        []GroupStatus     `json:"groups,omitempty"`
}

// GroupStatus summarises a group held by this node.
type GroupStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	Members int    `json:"members"`
}

func (d *Directory) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		ServerID:      d.serverID,
		TakenAt:       now,
		Servers:       make([]ServerStatus, 0, len(d.servers)),
		LocalUsers:    d.LocalUsers(),
		UserLocations: make(map[string]string, len(d.userLocations)),
		SeenEntries:   d.seen.Len(),
	}
	for _, id := range d.ServerIDs() {
		addr := d.serverAddrs[id]
		st := ServerStatus{ID: id, Host: addr.Host, Port: addr.Port}
		if last, ok := d.lastHeartbeat[id]; ok {
			st.LastHeartbeatMS = last.UnixMilli()
		}
		snap.Servers = append(snap.Servers, st)
	}
	for user, loc := range d.userLocations {
		snap.UserLocations[user] = loc
	}
	return snap
}
