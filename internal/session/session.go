package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type Options struct {
	Interval   time.Duration
	Source     StatusSource
	IPResolver IPResolver

	// OnForcedLogout runs once on the poller goroutine when the server ends
	// the session. It must not call Stop.
	OnForcedLogout func(Outcome)
}

// Session owns the poller for one signed-in client. Stop ends it; a forced
// logout ends it on its own.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	outcome Outcome
}

func Start(parent context.Context, opts Options) (*Session, error) {
	if opts.Source == nil {
		return nil, errors.New("session: status source is required")
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{cancel: cancel, done: make(chan struct{})}
	poller := NewPoller(opts.Interval, opts.Source, opts.IPResolver)

	go func() {
		defer close(s.done)
		defer cancel()

		outcome := poller.Run(ctx)
		if outcome == "" {
			return
		}

		s.mu.Lock()
		fire := !s.stopped
		s.stopped = true
		if fire {
			s.outcome = outcome
		}
		s.mu.Unlock()

		if !fire {
			return
		}
		log.Info("Session ended by server", "outcome", outcome)
		if opts.OnForcedLogout != nil {
			opts.OnForcedLogout(outcome)
		}
	}()

	return s, nil
}

// Stop cancels polling and waits for the loop to exit. No callback runs
// after Stop returns. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
}

// Done is closed when the poller has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome reports why the server ended the session, if it did.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.outcome != ""
}
