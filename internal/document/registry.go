package document

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingStore = errors.New("document store is required")

// RegistryConfig describes the dependencies and tunables for the registry.
type RegistryConfig struct {
	Store *Store
	Clock func() time.Time
	// EvictGrace is how long an empty-room document stays resident before
	// the final save-and-release.
	EvictGrace time.Duration
	// MaxResident bounds the number of live documents held in memory. Only
	// sessions with zero connected participants are evicted to make room.
	MaxResident int
	Logger      *zap.Logger
}

// Registry owns the sessionId to LiveDocument mapping for one process. It
// lazily materializes documents from the Store on first access, reference
// counts room membership, and evicts idle documents only after a durable
// save. It is an owned object rather than package state so independent
// instances can coexist in tests.
type Registry struct {
	store       *Store
	clock       func() time.Time
	evictGrace  time.Duration
	maxResident int
	logger      *zap.Logger

	mu   sync.Mutex
	docs map[string]*registryEntry
}

type registryEntry struct {
	loadMu    sync.Mutex
	doc       *LiveDocument
	refs      int
	idleSince time.Time
	evict     *time.Timer
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxResident := cfg.MaxResident
	if maxResident <= 0 {
		maxResident = 1024
	}
	return &Registry{
		store:       cfg.Store,
		clock:       clock,
		evictGrace:  cfg.EvictGrace,
		maxResident: maxResident,
		logger:      logger,
		docs:        make(map[string]*registryEntry),
	}, nil
}

// Acquire returns the live document for the session, loading it from the
// store on first access in this process, and takes a participant reference.
// Callers must pair every Acquire with a Release.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*LiveDocument, error) {
	r.mu.Lock()
	entry, ok := r.docs[sessionID]
	if !ok {
		r.evictOverCapLocked()
		entry = &registryEntry{}
		r.docs[sessionID] = entry
	}
	entry.refs++
	if entry.evict != nil {
		entry.evict.Stop()
		entry.evict = nil
	}
	r.mu.Unlock()

	entry.loadMu.Lock()
	defer entry.loadMu.Unlock()
	if entry.doc != nil {
		return entry.doc, nil
	}
	record, err := r.store.Load(ctx, sessionID)
	if err != nil {
		r.dropReference(sessionID, entry)
		return nil, err
	}
	doc := Load(sessionID, record, r.logger)
	// Peek, Persist and FlushAll read entry.doc under r.mu only, so the
	// loaded document must be published under the same lock.
	r.mu.Lock()
	entry.doc = doc
	r.mu.Unlock()
	return doc, nil
}

// Peek returns the resident live document without loading or taking a
// reference. Used on fanout receipt: a process with no local participants
// has nothing resident and simply drops the message.
func (r *Registry) Peek(sessionID string) *LiveDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.docs[sessionID]
	if !ok {
		return nil
	}
	return entry.doc
}

// Release drops a participant reference. When the last reference for the
// session goes, the document is flushed to the store and scheduled for
// eviction after the configured grace period.
func (r *Registry) Release(ctx context.Context, sessionID string) {
	r.mu.Lock()
	entry, ok := r.docs[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	lastOut := entry.refs <= 0
	if lastOut {
		entry.idleSince = r.clock()
		if entry.evict != nil {
			entry.evict.Stop()
		}
		entry.evict = time.AfterFunc(r.evictGrace, func() {
			r.evictIfIdle(sessionID)
		})
	}
	r.mu.Unlock()

	if lastOut {
		if err := r.Persist(ctx, sessionID); err != nil {
			r.logger.Error("final save on room empty failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// Persist durably writes the session's current document state. A no-op for
// sessions that never received content.
func (r *Registry) Persist(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	entry, ok := r.docs[sessionID]
	r.mu.Unlock()
	if !ok || entry.doc == nil {
		return nil
	}
	if entry.doc.IsEmpty() {
		return nil
	}
	return r.store.Save(ctx, sessionID, entry.doc.EncodeFull(), entry.doc.EncodeText())
}

// FlushAll persists every resident document. Called on shutdown.
func (r *Registry) FlushAll(ctx context.Context) {
	r.mu.Lock()
	sessionIDs := make([]string, 0, len(r.docs))
	for sessionID := range r.docs {
		sessionIDs = append(sessionIDs, sessionID)
	}
	r.mu.Unlock()
	for _, sessionID := range sessionIDs {
		if err := r.Persist(ctx, sessionID); err != nil {
			r.logger.Error("shutdown flush failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// ResidentCount reports the number of documents held in memory.
func (r *Registry) ResidentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *Registry) dropReference(sessionID string, entry *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 && entry.doc == nil {
		if current, ok := r.docs[sessionID]; ok && current == entry {
			delete(r.docs, sessionID)
		}
	}
}

func (r *Registry) evictIfIdle(sessionID string) {
	r.mu.Lock()
	entry, ok := r.docs[sessionID]
	if !ok || entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.docs, sessionID)
	r.mu.Unlock()

	r.persistEvicted(sessionID, entry)
}

// evictOverCapLocked makes room for a new document by releasing idle ones,
// oldest first. Sessions with connected participants are never evicted, so
// the cap is a target rather than a hard limit under full load.
func (r *Registry) evictOverCapLocked() {
	for len(r.docs) >= r.maxResident {
		victimID := ""
		var victim *registryEntry
		for sessionID, entry := range r.docs {
			if entry.refs > 0 {
				continue
			}
			if victim == nil || entry.idleSince.Before(victim.idleSince) {
				victimID = sessionID
				victim = entry
			}
		}
		if victim == nil {
			return
		}
		if victim.evict != nil {
			victim.evict.Stop()
		}
		delete(r.docs, victimID)
		go r.persistEvicted(victimID, victim)
	}
}

// persistEvicted writes the evicted document's final state. On failure the
// entry is reinstated so unsaved content is never discarded.
func (r *Registry) persistEvicted(sessionID string, entry *registryEntry) {
	if entry.doc == nil || entry.doc.IsEmpty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.Save(ctx, sessionID, entry.doc.EncodeFull(), entry.doc.EncodeText()); err != nil {
		r.logger.Error("persist before evict failed, keeping document resident",
			zap.String("session_id", sessionID),
			zap.Error(err))
		r.mu.Lock()
		if _, ok := r.docs[sessionID]; !ok {
			r.docs[sessionID] = entry
		}
		r.mu.Unlock()
	}
}
