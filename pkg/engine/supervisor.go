package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Supervisor runs background tasks keyed by id. At most one task per key runs
// at a time, panics are recovered, and every task outcome is logged.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup

	// onExit observes each task's final error, after panics are converted.
	onExit func(key string, err error)
}

// NewSupervisor creates a supervisor whose tasks run under a context derived
// from parent but detached from its cancellation.
func NewSupervisor(parent context.Context, logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "supervisor").Logger(),
		active: make(map[string]struct{}),
	}
}

// Go starts fn under key. It fails with a conflict if key is already running.
func (s *Supervisor) Go(key string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if _, running := s.active[key]; running {
		s.mu.Unlock()
		return NewConflictError("task already running", nil).
			WithCode(ErrCodeConflict).
			WithResource(key)
	}
	s.active[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = NewPanicError(r).WithResource(key)
			}

			s.mu.Lock()
			delete(s.active, key)
			s.mu.Unlock()

			if err != nil {
				s.logger.Error().Err(err).Str("task", key).Msg("supervised task failed")
			} else {
				s.logger.Debug().Str("task", key).Msg("supervised task finished")
			}
			if s.onExit != nil {
				s.onExit(key, err)
			}
			s.wg.Done()
		}()

		err = fn(s.ctx)
	}()

	return nil
}

// Active lists the keys of running tasks, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.active))
	for k := range s.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Running reports whether key has a running task.
func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

// Wait blocks until every started task has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown cancels running tasks and waits for them until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
