package pipeline

import (
	"fmt"
	"sync/atomic"
)

type State int32

const (
	StateIdle State = iota
	StateWaitingForStateChange
	StateSearching
	StatePublishing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForStateChange:
		return "waiting_for_state_change"
	case StateSearching:
		return "searching"
	case StatePublishing:
		return "publishing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type stateHolder struct {
	v atomic.Int32
}

func (h *stateHolder) set(s State) {
	h.v.Store(int32(s))
}

func (h *stateHolder) get() State {
	return State(h.v.Load())
}
