package connection

import "sync"

// Subscription is one subscriber's handle on a shared session.
type Subscription struct {
	stream *stream
	ch     chan Transition
	once   sync.Once
}

// Key returns the shared session key.
func (s *Subscription) Key() Key { return s.stream.key }

// State returns the session's current state.
func (s *Subscription) State() State { return s.stream.State() }

// Err returns the error that closed the session, if any.
func (s *Subscription) Err() error { return s.stream.Err() }

// Done is closed when the session reaches Closed.
func (s *Subscription) Done() <-chan struct{} { return s.stream.done }

// Transitions delivers state changes. Slow readers miss transitions rather
// than stall the session.
func (s *Subscription) Transitions() <-chan Transition { return s.ch }

// Close detaches this subscriber. The last Close tears the session down.
func (s *Subscription) Close() {
	s.once.Do(func() { s.stream.detach(s) })
}
