package protocol

import (
	"socp/pkg/state"
)

// Heartbeat sends one round of heartbeats to every linked peer.
func (d *Dispatcher) Heartbeat() int {
	d.dir.Lock()
	defer d.dir.Unlock()

	return d.router.SendHeartbeat()
}

// CheckHealth evicts silent peers and tells local users about the users
// that became unreachable with them.
func (d *Dispatcher) CheckHealth() []string {
	d.dir.Lock()
	defer d.dir.Unlock()

	var evicted []string
	for _, ev := range d.router.CheckServerHealth(d.clock.Now()) {
		for _, uid := range ev.Purged {
			d.notifyPresence(uid, statusOffline, ev.ServerID)
		}
		evicted = append(evicted, ev.ServerID)
	}
	return evicted
}

// Announce re-asserts this node's address to its peers and re-advertises
// every attached user.
func (d *Dispatcher) Announce() {
	d.dir.Lock()
	defer d.dir.Unlock()

	d.router.SendAnnounce(d.cfg.Advertise, d.pubKey)
	for _, uid := range d.dir.LocalUsers() {
		d.router.BroadcastUserAdvertise(uid, d.userMeta(uid))
	}
}

// Snapshot copies the directory and the group list for status reporting.
func (d *Dispatcher) Snapshot() state.Snapshot {
	d.dir.Lock()
	defer d.dir.Unlock()

	snap := d.dir.Snapshot(d.clock.Now())
	for _, g := range d.members.ListGroups() {
		snap.Groups = append(snap.Groups, state.GroupStatus{
			ID:      g.ID,
			Name:    g.Name,
			Owner:   g.Owner,
			Members: len(g.Members),
		})
	}
	return snap
}

// LinkCount is the number of linked peers.
func (d *Dispatcher) LinkCount() int {
	d.dir.Lock()
	defer d.dir.Unlock()

	return len(d.dir.ServerIDs())
}
