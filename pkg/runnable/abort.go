package runnable

import (
	"fmt"
	"sync"
)

// AbortSignal is a single-shot cooperative cancellation flag shared down an
// execution tree. Raising it does not forcibly stop work: each long-running
// path checks the signal at its suspension points, which lets the agent loop
// run its termination summary before unwinding.
type AbortSignal struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewAbortSignal creates an unraised signal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{done: make(chan struct{})}
}

// Abort raises the signal with a reason. Only the first call takes effect.
func (s *AbortSignal) Abort(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Aborted reports whether the signal has been raised.
func (s *AbortSignal) Aborted() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the abort reason, or "" when not raised.
func (s *AbortSignal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done returns a channel closed when the signal is raised, for use in select.
func (s *AbortSignal) Done() <-chan struct{} {
	return s.done
}

// Err returns ErrCancelled annotated with the reason when raised, nil
// otherwise.
func (s *AbortSignal) Err() error {
	if !s.Aborted() {
		return nil
	}
	if reason := s.Reason(); reason != "" {
		return fmt.Errorf("%w: %s", ErrCancelled, reason)
	}
	return ErrCancelled
}
