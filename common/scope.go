package common

import "sync"

// lifetimeScope is closed at most once with an error. Every current and
// future waiter observes the close immediately.
type lifetimeScope struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLifetimeScope() *lifetimeScope {
	return &lifetimeScope{done: make(chan struct{})}
}

func (s *lifetimeScope) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Done returns a channel that's closed when the scope is closed.
// A nil scope never closes.
func (s *lifetimeScope) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Err returns the error the scope was closed with, or nil.
func (s *lifetimeScope) Err() error {
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *lifetimeScope) isClosed() bool {
	return s.Err() != nil
}
