// Package watch provides a broadcast "something changed" signal. Waiters take
// the current channel with C and block until Notify closes it.
package watch

import "sync"

// Signal is usable as its zero value.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}
