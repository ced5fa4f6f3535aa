package highlight

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSettle is how long a session stays busy after a pass so that the
// tree mutations made by the pass itself do not trigger another one.
const DefaultSettle = 100 * time.Millisecond

// Session serializes highlight passes over one document. A trigger that
// arrives while a pass is running or settling is remembered and runs once
// after the flag clears; further triggers in the meantime collapse into it.
type Session struct {
	run    func()
	settle time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	busy    bool
	pending bool
	closed  bool
	wg      sync.WaitGroup
}

func NewSession(run func(), settle time.Duration, logger *zap.Logger) *Session {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{run: run, settle: settle, logger: logger}
}

// Trigger runs a pass on the calling goroutine unless one is already in
// flight, in which case a retry is queued. It reports whether it ran.
func (s *Session) Trigger() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.busy {
		s.pending = true
		s.mu.Unlock()
		return false
	}
	s.busy = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.pass()
	return true
}

// Busy reports whether a pass is running or settling.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Close stops accepting triggers and waits for the current pass and its
// settle period to finish.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Session) pass() {
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("highlight pass panicked", zap.Any("panic", rec))
			}
		}()
		s.run()
	}()
	time.AfterFunc(s.settle, s.release)
}

func (s *Session) release() {
	s.mu.Lock()
	if s.pending && !s.closed {
		s.pending = false
		s.mu.Unlock()
		s.pass()
		return
	}
	s.busy = false
	s.pending = false
	s.mu.Unlock()
	s.wg.Done()
}
