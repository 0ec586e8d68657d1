package rabbitmq

import (
	"sync"
)

// State is the lifecycle state of a connection or channel
type State int32

const (
	StateClosed State = iota
	StateClosing
	StateOpening
	StateOpen
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateClosing:
		return "closing"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Stateful tracks the lifecycle state of an entity together with the fatal
// errors reported against it. The zero value is CLOSED with no errors.
//
// Fatal errors are queued by the reader goroutine and surfaced lazily by
// CheckForErrors, which every blocking wait calls.
type Stateful struct {
	mu     sync.Mutex
	state  State
	errors []error
}

// SetState unconditionally sets the state. Callers own protocol ordering.
func (s *Stateful) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current state
func (s *Stateful) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stateful) IsClosed() bool  { return s.State() == StateClosed }
func (s *Stateful) IsClosing() bool { return s.State() == StateClosing }
func (s *Stateful) IsOpening() bool { return s.State() == StateOpening }
func (s *Stateful) IsOpen() bool    { return s.State() == StateOpen }

// RecordFatalError queues err. The state is left alone until the next
// CheckForErrors.
func (s *Stateful) RecordFatalError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.errors = append(s.errors, err)
	s.mu.Unlock()
}

// Errors returns a copy of the queued fatal errors, oldest first
func (s *Stateful) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errors...)
}

// CheckForErrors returns nil while no fatal error is queued. Otherwise it
// forces the state to CLOSED and returns the first error recorded; later
// errors never displace it.
func (s *Stateful) CheckForErrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.errors) == 0 {
		return nil
	}
	s.state = StateClosed
	return s.errors[0]
}
