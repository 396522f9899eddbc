package core

import "sync/atomic"

type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// lifecycle is the Open → Closing → Closed guard shared by transports,
// producers and consumers. Only the caller that wins begin runs cleanup.
type lifecycle struct {
	state atomic.Int32 // Zero by default (StateOpen)
}

func (l *lifecycle) State() State { return State(l.state.Load()) }

func (l *lifecycle) Open() bool { return l.State() == StateOpen }

func (l *lifecycle) begin() bool {
	return l.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

func (l *lifecycle) finish() {
	l.state.Store(int32(StateClosed))
}

type PeerState int32

const (
	PeerJoining PeerState = iota
	PeerActive
	PeerLeaving
	PeerRemoved
)

func (s PeerState) String() string {
	switch s {
	case PeerJoining:
		return "joining"
	case PeerActive:
		return "active"
	case PeerLeaving:
		return "leaving"
	case PeerRemoved:
		return "removed"
	}
	return "unknown"
}
