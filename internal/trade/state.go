package trade

// State is the lifecycle state of a trade.
type State int32

const (
	StateUnknown State = iota
	StateDraft
	StateRFQOpen
	StateQuoted
	StateContracted
	StateEscrowRequired
	StateEscrowFunded
	StateProduction
	StatePickupScheduled
	StateInTransit
	StateDelivered
	StateAccepted
	StateSettled
	StateClosed
	StateDisputed
)

// forwardOrder maps each forward-track state to its position in the
// required ordering. DISPUTED is not on the forward track.
var forwardOrder = map[State]int{
	StateDraft:           0,
	StateRFQOpen:         1,
	StateQuoted:          2,
	StateContracted:      3,
	StateEscrowRequired:  4,
	StateEscrowFunded:    5,
	StateProduction:      6,
	StatePickupScheduled: 7,
	StateInTransit:       8,
	StateDelivered:       9,
	StateAccepted:        10,
	StateSettled:         11,
	StateClosed:          12,
}

// CanTransition reports whether to is a permitted edge from from.
// Permitted edges: the next forward-adjacent state, an interrupt into
// DISPUTED from any non-terminal state, and resolution out of DISPUTED
// back onto the forward track or into CLOSED.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}

	if to == StateDisputed {
		// Interrupt: reachable from any non-terminal forward state
		return from != StateClosed && from.IsForward()
	}

	if from == StateDisputed {
		// Resolution: back into the forward track or straight to CLOSED
		return to.IsForward()
	}

	fromIdx, fromOK := forwardOrder[from]
	toIdx, toOK := forwardOrder[to]
	if !fromOK || !toOK {
		return false
	}

	return toIdx == fromIdx+1
}

// IsForward reports whether s is on the forward track (not DISPUTED).
func (s State) IsForward() bool {
	_, ok := forwardOrder[s]
	return ok
}

// IsTerminal reports whether s admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// ForwardIndex returns the position of s in the forward order, or -1 for
// states off the forward track.
func ForwardIndex(s State) int {
	idx, ok := forwardOrder[s]
	if !ok {
		return -1
	}
	return idx
}

// ParseState converts the wire representation into a State.
func ParseState(s string) (State, bool) {
	for st := StateDraft; st <= StateDisputed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StateUnknown, false
}

func (s State) String() string {
	switch s {
	case StateDraft:
		return "DRAFT"
	case StateRFQOpen:
		return "RFQ_OPEN"
	case StateQuoted:
		return "QUOTED"
	case StateContracted:
		return "CONTRACTED"
	case StateEscrowRequired:
		return "ESCROW_REQUIRED"
	case StateEscrowFunded:
		return "ESCROW_FUNDED"
	case StateProduction:
		return "PRODUCTION"
	case StatePickupScheduled:
		return "PICKUP_SCHEDULED"
	case StateInTransit:
		return "IN_TRANSIT"
	case StateDelivered:
		return "DELIVERED"
	case StateAccepted:
		return "ACCEPTED"
	case StateSettled:
		return "SETTLED"
	case StateClosed:
		return "CLOSED"
	case StateDisputed:
		return "DISPUTED"
	default:
		return "UNKNOWN"
	}
}
