package compute

import "fmt"

// Phase is the lifecycle position of one computation.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRequested
	PhaseVerified
	PhaseApplied
	PhaseRejected
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequested:
		return "requested"
	case PhaseVerified:
		return "verified"
	case PhaseApplied:
		return "applied"
	case PhaseRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// State is one computation's position in
// Idle -> Requested -> Verified -> Applied, with Requested -> Rejected on
// verification failure or reported cluster failure. Transition methods
// return a new value; illegal transitions return ErrInvalidState.
type State struct {
	Phase      Phase
	ID         RequestID
	Ciphertext []byte
	Reason     error
}

// Idle returns the initial state.
func Idle() State {
	return State{Phase: PhaseIdle}
}

// Submitted transitions Idle -> Requested.
func (s State) Submitted(id RequestID) (State, error) {
	if s.Phase != PhaseIdle {
		return s, fmt.Errorf("%w: submit from %s", ErrInvalidState, s.Phase)
	}
	return State{Phase: PhaseRequested, ID: id}, nil
}

// Verified transitions Requested -> Verified with the result ciphertext.
func (s State) Verified(ciphertext []byte) (State, error) {
	if s.Phase != PhaseRequested {
		return s, fmt.Errorf("%w: verify from %s", ErrInvalidState, s.Phase)
	}
	ct := make([]byte, len(ciphertext))
	copy(ct, ciphertext)
	return State{Phase: PhaseVerified, ID: s.ID, Ciphertext: ct}, nil
}

// Rejected transitions Requested -> Rejected. Terminal.
func (s State) Rejected(reason error) (State, error) {
	if s.Phase != PhaseRequested {
		return s, fmt.Errorf("%w: reject from %s", ErrInvalidState, s.Phase)
	}
	return State{Phase: PhaseRejected, ID: s.ID, Reason: reason}, nil
}

// Applied transitions Verified -> Applied. Terminal.
func (s State) Applied() (State, error) {
	if s.Phase != PhaseVerified {
		return s, fmt.Errorf("%w: apply from %s", ErrInvalidState, s.Phase)
	}
	return State{Phase: PhaseApplied, ID: s.ID}, nil
}
