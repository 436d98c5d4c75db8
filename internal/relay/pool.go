package relay

// Pool is the set of connections registered as call acceptors.
// Not safe for concurrent use.
type Pool struct {
	conns []Conn
}

func NewPool() *Pool {
	return &Pool{}
}

// Register adds conn; registering twice is a no-op.
func (p *Pool) Register(conn Conn) bool {
	if p.index(conn.ID()) >= 0 {
		return false
	}
	p.conns = append(p.conns, conn)
	return true
}

func (p *Pool) Unregister(connID string) bool {
	i := p.index(connID)
	if i < 0 {
		return false
	}
	p.conns = append(p.conns[:i], p.conns[i+1:]...)
	return true
}

// Broadcast sends frame to every member and returns how many accepted it.
func (p *Pool) Broadcast(frame []byte) int {
	sent := 0
	for _, c := range p.conns {
		if c.Send(frame) {
			sent++
		}
	}
	return sent
}

func (p *Pool) Len() int {
	return len(p.conns)
}

func (p *Pool) index(connID string) int {
	for i, c := range p.conns {
		if c.ID() == connID {
			return i
		}
	}
	return -1
}
