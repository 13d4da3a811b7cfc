package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Sending
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Sending:
		return "sending"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var connTransitions = map[ConnState][]ConnState{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Sending, Disconnected},
	Sending:      {Connected, Disconnected},
}

// connIDs is shared by every client so that ids stay unique across the
// worker pool.
var connIDs atomic.Uint64

// StateMachine is the single mutation point for a client's connection
// state. Each entry into Connected gets a fresh connection id.
type StateMachine struct {
	mu       sync.Mutex
	state    ConnState
	connID   uint64
	lastErr  error
	onChange func(from, to ConnState)
}

func NewStateMachine(onChange func(from, to ConnState)) *StateMachine {
	return &StateMachine{onChange: onChange}
}

func (m *StateMachine) Transition(to ConnState) error {
	m.mu.Lock()
	from := m.state
	if !validTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("connection state %s -> %s not allowed", from, to)
	}
	m.state = to
	switch to {
	case Connected:
		if from == Connecting {
			m.connID = connIDs.Add(1)
			m.lastErr = nil
		}
	case Disconnected:
		m.connID = 0
	}
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(from, to)
	}
	return nil
}

// Fail moves any non-disconnected state to Disconnected and remembers err.
// It returns the id of the connection that was lost, or 0.
func (m *StateMachine) Fail(err error) uint64 {
	m.mu.Lock()
	from := m.state
	id := m.connID
	m.lastErr = err
	if from == Disconnected {
		m.mu.Unlock()
		return 0
	}
	m.state = Disconnected
	m.connID = 0
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(from, Disconnected)
	}
	return id
}

func (m *StateMachine) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) ConnID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

func (m *StateMachine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func validTransition(from, to ConnState) bool {
	for _, s := range connTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
