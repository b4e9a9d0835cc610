package document

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, store *Store, grace time.Duration, maxResident int) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{
		Store:       store,
		EvictGrace:  grace,
		MaxResident: maxResident,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return registry
}

func TestRegistryAcquireLoadsFromStoreOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := Load("session-1", nil, nil)
	if err := seed.Merge(encodeClientEdit(t, "persisted text")); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if err := store.Save(ctx, "session-1", seed.EncodeFull(), seed.EncodeText()); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	registry := newTestRegistry(t, store, time.Minute, 16)
	first, err := registry.Acquire(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if got := first.EncodeText(); got != "persisted text" {
		t.Fatalf("expected persisted content, got %q", got)
	}

	second, err := registry.Acquire(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if first != second {
		t.Fatalf("expected one live document per session per process")
	}
	if registry.ResidentCount() != 1 {
		t.Fatalf("expected a single resident document, got %d", registry.ResidentCount())
	}
}

func TestRegistryReleasePersistsOnLastParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	registry := newTestRegistry(t, store, time.Minute, 16)

	doc, err := registry.Acquire(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if err := doc.Merge(encodeClientEdit(t, "unsaved edits")); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	registry.Release(ctx, "session-1")

	record, err := store.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if record == nil {
		t.Fatalf("expected a durable record after last release")
	}
	reloaded := Load("session-1", record, nil)
	if got := reloaded.EncodeText(); got != "unsaved edits" {
		t.Fatalf("expected flushed content, got %q", got)
	}
}

func TestRegistryEvictsAfterGracePeriod(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	registry := newTestRegistry(t, store, 20*time.Millisecond, 16)

	doc, err := registry.Acquire(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if err := doc.Merge(encodeClientEdit(t, "short lived")); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	registry.Release(ctx, "session-1")

	deadline := time.Now().Add(2 * time.Second)
	for registry.ResidentCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected eviction after grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Peek("session-1") != nil {
		t.Fatalf("expected no resident document after eviction")
	}

	record, err := store.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if record == nil {
		t.Fatalf("expected content persisted before eviction")
	}
}

func TestRegistryReacquireCancelsPendingEviction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	registry := newTestRegistry(t, store, 30*time.Millisecond, 16)

	if _, err := registry.Acquire(ctx, "session-1"); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	registry.Release(ctx, "session-1")

	doc, err := registry.Acquire(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if registry.Peek("session-1") != doc {
		t.Fatalf("expected rejoin to keep the document resident")
	}
}

func TestRegistryConcurrentFirstAcquireAndPersist(t *testing.T) {
	store := newTestStore(t)
	registry := newTestRegistry(t, store, time.Minute, 64)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sessionID := fmt.Sprintf("session-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := registry.Acquire(ctx, sessionID); err != nil {
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := registry.Persist(ctx, sessionID); err != nil {
					t.Errorf("unexpected persist error: %v", err)
				}
				registry.Peek(sessionID)
			}
		}()
	}
	wg.Wait()
}

func TestRegistryKeepsDocumentWhenEvictionSaveFails(t *testing.T) {
	db := openTestDatabase(t)
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	registry := newTestRegistry(t, store, time.Minute, 1)
	ctx := context.Background()

	doc, err := registry.Acquire(ctx, "session-idle")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if err := doc.Merge(encodeClientEdit(t, "still here")); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	registry.Release(ctx, "session-idle")

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	// Capacity eviction of the idle session kicks in here; its final save
	// cannot succeed against the closed database.
	if _, err := registry.Acquire(ctx, "session-fresh"); err == nil {
		t.Fatalf("expected acquire to fail with a closed database")
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.Peek("session-idle") == nil {
		if time.Now().After(deadline) {
			t.Fatalf("expected failed eviction save to keep the document resident")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := registry.Peek("session-idle").EncodeText(); got != "still here" {
		t.Fatalf("expected unsaved content intact, got %q", got)
	}
}

func TestRegistryCapEvictsOnlyIdleSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	registry := newTestRegistry(t, store, time.Minute, 1)

	idle, err := registry.Acquire(ctx, "session-idle")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if err := idle.Merge(encodeClientEdit(t, "idle content")); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	registry.Release(ctx, "session-idle")

	if _, err := registry.Acquire(ctx, "session-active"); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.Peek("session-idle") != nil {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle session to be evicted for capacity")
		}
		time.Sleep(5 * time.Millisecond)
	}

	record, err := store.Load(ctx, "session-idle")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if record == nil {
		t.Fatalf("expected idle session persisted before capacity eviction")
	}
}
