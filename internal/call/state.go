package call

// State is the negotiation progress of one call attempt.
type State int

const (
	Idle State = iota
	Offering
	Negotiating
	Connected
	Disconnected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == Disconnected || s == Failed
}

// negotiating reports whether a description exchange is outstanding.
func (s State) negotiating() bool {
	return s == Offering || s == Negotiating
}
