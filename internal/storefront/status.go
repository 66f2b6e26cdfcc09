package storefront

type State string

const (
	StateSelecting       State = "SELECTING"
	StateAwaitingPayment State = "AWAITING_PAYMENT"
	StateSettled         State = "SETTLED"
	StateCancelled       State = "CANCELLED"
	StateExpired         State = "EXPIRED"
)

var validNext = map[State]map[State]bool{
	StateSelecting:       {StateAwaitingPayment: true, StateCancelled: true, StateExpired: true},
	StateAwaitingPayment: {StateSettled: true, StateCancelled: true, StateExpired: true},
	StateSettled:         {},
	StateCancelled:       {},
	StateExpired:         {},
}

func CanTransition(from, to State) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(validNext[s]) == 0
}
