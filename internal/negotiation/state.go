package negotiation

type State string

const (
	StateAbsent            State = "absent"
	StatePendingLocalMedia State = "pending-local-media"
	StateOfferSent         State = "offer-sent"
	StateAnswerPending     State = "answer-pending"
	StateConnected         State = "connected"
	StateClosed            State = "closed"
	StateFailed            State = "failed"
)

// Terminal reports whether the session can no longer make progress.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
