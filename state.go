package voicecall

type State string

const (
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

func (s State) String() string { return string(s) }

// CanTransition reports whether a call in state s may move to next.
func (s State) CanTransition(next State) bool {
	switch next {
	case StateRinging:
		return s == StateConnecting
	case StateConnected:
		return s == StateRinging
	case StateEnded:
		return s != StateEnded
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateEnded }
