package document

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSaverCoalescesBurstIntoOneWrite(t *testing.T) {
	var calls int64
	saver, err := NewSaver(SaverConfig{
		Interval: 30 * time.Millisecond,
		Persist: func(ctx context.Context, sessionID string) error {
			atomic.AddInt64(&calls, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct saver: %v", err)
	}

	for i := 0; i < 20; i++ {
		saver.Schedule("session-1")
	}

	time.Sleep(120 * time.Millisecond)
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected one coalesced write, got %d", got)
	}
}

func TestSaverTracksSessionsIndependently(t *testing.T) {
	sessions := make(chan string, 4)
	saver, err := NewSaver(SaverConfig{
		Interval: 20 * time.Millisecond,
		Persist: func(ctx context.Context, sessionID string) error {
			sessions <- sessionID
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct saver: %v", err)
	}

	saver.Schedule("session-a")
	saver.Schedule("session-b")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case sessionID := <-sessions:
			seen[sessionID] = true
		case <-time.After(time.Second):
			t.Fatalf("expected both sessions to persist, saw %v", seen)
		}
	}
	if !seen["session-a"] || !seen["session-b"] {
		t.Fatalf("expected writes for both sessions, saw %v", seen)
	}
}

func TestSaverFlushCancelsPendingTimer(t *testing.T) {
	var calls int64
	saver, err := NewSaver(SaverConfig{
		Interval: 50 * time.Millisecond,
		Persist: func(ctx context.Context, sessionID string) error {
			atomic.AddInt64(&calls, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct saver: %v", err)
	}

	saver.Schedule("session-1")
	if err := saver.Flush(context.Background(), "session-1"); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected immediate flush write, got %d", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected cancelled timer to stay silent, got %d writes", got)
	}
}

func TestSaverRetriesFailedWrites(t *testing.T) {
	var calls int64
	saver, err := NewSaver(SaverConfig{
		Interval: 20 * time.Millisecond,
		Persist: func(ctx context.Context, sessionID string) error {
			if atomic.AddInt64(&calls, 1) == 1 {
				return errors.New("transient storage failure")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct saver: %v", err)
	}

	saver.Schedule("session-1")

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&calls) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a retry after the failed write, saw %d calls", atomic.LoadInt64(&calls))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
