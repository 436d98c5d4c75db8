package relay

// Conn is a live transport channel to one client.
type Conn interface {
	ID() string
	// Send queues a frame for delivery and reports false when it was dropped.
	Send(frame []byte) bool
}

// Registry maps participant ids to the connections that joined under them.
// A connection may join several ids. Registry is not safe for concurrent use;
// the Relay serializes access.
type Registry struct {
	members map[string][]Conn
	joined  map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string][]Conn),
		joined:  make(map[string][]string),
	}
}

// Join binds conn to participantID. Joining twice is a no-op.
func (r *Registry) Join(conn Conn, participantID string) bool {
	for _, c := range r.members[participantID] {
		if c.ID() == conn.ID() {
			return false
		}
	}
	r.members[participantID] = append(r.members[participantID], conn)
	r.joined[conn.ID()] = append(r.joined[conn.ID()], participantID)
	return true
}

// Resolve returns the connections bound to participantID in join order.
// Unknown ids resolve to nothing.
func (r *Registry) Resolve(participantID string) []Conn {
	conns := r.members[participantID]
	out := make([]Conn, len(conns))
	copy(out, conns)
	return out
}

// memberships returns the ids conn joined.
func (r *Registry) memberships(connID string) []string {
	ids := r.joined[connID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Remove evicts every membership of connID and returns the participant ids
// left with no connection at all.
func (r *Registry) Remove(connID string) []string {
	var orphaned []string
	for _, id := range r.joined[connID] {
		conns := r.members[id]
		for i, c := range conns {
			if c.ID() == connID {
				conns = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(conns) == 0 {
			delete(r.members, id)
			orphaned = append(orphaned, id)
		} else {
			r.members[id] = conns
		}
	}
	delete(r.joined, connID)
	return orphaned
}

// Len returns the number of participant ids with at least one connection.
func (r *Registry) Len() int {
	return len(r.members)
}
