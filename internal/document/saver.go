package document

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingPersist = errors.New("persist function is required")

// PersistFunc durably writes the named session's current document state.
type PersistFunc func(ctx context.Context, sessionID string) error

// SaverConfig describes the dependencies and tunables for the Saver.
type SaverConfig struct {
	// Interval is the debounce window: a burst of updates for one session
	// produces at most one durable write per interval. It is also the exact
	// bound on data loss if the process crashes mid-burst.
	Interval time.Duration
	Persist  PersistFunc
	Logger   *zap.Logger
}

// Saver coalesces rapid successive document updates into at most one
// durable write per session per interval, trading a bounded loss window for
// drastically reduced write volume. Saving never blocks the real-time path:
// writes run on timer goroutines and failures are logged and retried on the
// next interval rather than propagated.
type Saver struct {
	interval time.Duration
	persist  PersistFunc
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewSaver validates the configuration and returns a Saver.
func NewSaver(cfg SaverConfig) (*Saver, error) {
	if cfg.Persist == nil {
		return nil, errMissingPersist
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{
		interval: interval,
		persist:  cfg.Persist,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Schedule requests a durable write for the session. Calls within an
// already-armed window coalesce into the pending write.
func (s *Saver) Schedule(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, armed := s.timers[sessionID]; armed {
		return
	}
	s.timers[sessionID] = time.AfterFunc(s.interval, func() {
		s.fire(sessionID)
	})
}

// Flush cancels any pending write for the session and persists immediately.
func (s *Saver) Flush(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if timer, armed := s.timers[sessionID]; armed {
		timer.Stop()
		delete(s.timers, sessionID)
	}
	s.mu.Unlock()
	return s.persist(ctx, sessionID)
}

// Close cancels all pending writes and flushes each of them once.
func (s *Saver) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	pending := make([]string, 0, len(s.timers))
	for sessionID, timer := range s.timers {
		timer.Stop()
		pending = append(pending, sessionID)
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()

	for _, sessionID := range pending {
		if err := s.persist(ctx, sessionID); err != nil {
			s.logger.Error("flush on close failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (s *Saver) fire(sessionID string) {
	s.mu.Lock()
	delete(s.timers, sessionID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if err := s.persist(ctx, sessionID); err != nil {
		s.logger.Error("debounced save failed, rescheduling",
			zap.String("session_id", sessionID),
			zap.Error(err))
		// In-memory state stays authoritative; try again next interval.
		s.Schedule(sessionID)
	}
}
