// internal/model/state.go
package model

// ItemState is the delivery state of an outbound item.
type ItemState string

const (
	StatePending   ItemState = "PENDING"
	StateEnqueued  ItemState = "ENQUEUED"
	StateSent      ItemState = "SENT"
	StateDelivered ItemState = "DELIVERED"
	StateRead      ItemState = "READ"
	StateFailed    ItemState = "FAILED"
	StateCancelled ItemState = "CANCELLED"
)

var stateRank = map[ItemState]int{
	StatePending:   0,
	StateEnqueued:  1,
	StateSent:      2,
	StateDelivered: 3,
	StateRead:      4,
}

// IsTerminal reports whether no further automatic transition is expected.
// DELIVERED can still advance to READ through a status callback.
func (s ItemState) IsTerminal() bool {
	switch s {
	case StateDelivered, StateRead, StateFailed, StateCancelled:
		return true
	}
	return false
}

// WasSent reports whether the message of an item in state s left.
func (s ItemState) WasSent() bool {
	r, ok := stateRank[s]
	return ok && r >= stateRank[StateSent]
}

// Valid reports whether s is a known state.
func (s ItemState) Valid() bool {
	_, ok := stateRank[s]
	return ok || s == StateFailed || s == StateCancelled
}

// CanTransition is the single rule every conditional update is built from.
// States move forward only. FAILED is reachable until the provider confirms
// delivery, CANCELLED only before the send, and FAILED goes back to PENDING
// only on a manual retry.
func CanTransition(from, to ItemState) bool {
	if from == to {
		return false
	}
	switch to {
	case StateCancelled:
		return from == StatePending || from == StateEnqueued
	case StateFailed:
		return from == StatePending || from == StateEnqueued || from == StateSent
	case StatePending:
		return from == StateFailed || from == StateEnqueued
	}
	fr, ok := stateRank[from]
	if !ok {
		return false
	}
	tr, ok := stateRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// StatesBefore returns every state that may legally move to "to".
func StatesBefore(to ItemState) []ItemState {
	all := []ItemState{StatePending, StateEnqueued, StateSent, StateDelivered, StateRead, StateFailed, StateCancelled}
	out := make([]ItemState, 0, len(all))
	for _, s := range all {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// StateStrings converts states for use as a SQL array argument.
func StateStrings(states []ItemState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
