package staging

import (
	"context"
	"errors"
	"sync"
)

var ErrSetupAlreadySignalled = errors.New("setup already signalled")

// SetupSignal is a one-shot notification of setup completion. It is
// fulfilled at most once; continuations run exactly once each, on the
// fulfilling goroutine, or immediately on the registering goroutine if the
// signal already fired. A signal that is never fulfilled never runs them.
type SetupSignal struct {
	mu            sync.Mutex
	done          chan struct{}
	fired         bool
	err           error
	continuations []func(error)
}

func NewSetupSignal() *SetupSignal {
	return &SetupSignal{done: make(chan struct{})}
}

// Fulfill records the setup outcome. A nil err means success.
func (s *SetupSignal) Fulfill(err error) error {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return ErrSetupAlreadySignalled
	}
	s.fired = true
	s.err = err
	conts := s.continuations
	s.continuations = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range conts {
		fn(err)
	}
	return nil
}

// OnComplete registers fn to receive the setup outcome.
func (s *SetupSignal) OnComplete(fn func(error)) {
	s.mu.Lock()
	if !s.fired {
		s.continuations = append(s.continuations, fn)
		s.mu.Unlock()
		return
	}
	err := s.err
	s.mu.Unlock()
	fn(err)
}

// Done is closed once the signal has been fulfilled.
func (s *SetupSignal) Done() <-chan struct{} {
	return s.done
}

// Fired reports whether Fulfill has been called.
func (s *SetupSignal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Wait blocks until the signal fires or ctx ends. It returns the setup
// error, or ctx.Err() if the signal did not fire in time.
func (s *SetupSignal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
