package strategy

import "sync"

// StateMachine tracks one rebalance cycle. Failed remembers the state the
// next attempt resumes from.
type StateMachine struct {
	mu     sync.Mutex
	State  State
	resume State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle, resume: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := nextState(s.State, event)
	if next == StateFailed && s.State != StateFailed {
		s.resume = resumeFrom(s.State)
	}
	if s.State == StateFailed && event == EventRecover {
		next = s.resume
	}
	s.State = next
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	if state == StateFailed {
		s.resume = StateIdle
	}
}

// Restore puts the machine back into a persisted state, including where a
// Failed machine resumes.
func (s *StateMachine) Restore(state, resume State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	s.resume = StateIdle
	if state == StateFailed && resume == StateLiquidated {
		s.resume = StateLiquidated
	}
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Resume is the state EventRecover moves to while Failed.
func (s *StateMachine) Resume() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventFetch {
			return StateFetchingPosition
		}
	case StateFetchingPosition:
		if event == EventLiquidate {
			return StateLiquidating
		}
		if event == EventFail {
			return StateFailed
		}
	case StateLiquidating:
		if event == EventLiquidated {
			return StateLiquidated
		}
		if event == EventFail {
			return StateFailed
		}
	case StateLiquidated:
		if event == EventMint {
			return StateSwappingAndMinting
		}
	case StateSwappingAndMinting:
		if event == EventMinted {
			return StateMinted
		}
		if event == EventFail {
			return StateFailed
		}
	case StateMinted:
		if event == EventDone {
			return StateIdle
		}
	case StateFailed:
		if event == EventRecover {
			return StateIdle
		}
	}
	return current
}

func resumeFrom(failed State) State {
	if failed == StateSwappingAndMinting {
		return StateLiquidated
	}
	return StateIdle
}
