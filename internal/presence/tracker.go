package presence

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Awareness payloads shorter than this cannot encode anything meaningful
// and are treated as corrupt.
const minAwarenessLength = 4

var (
	// ErrEmptyAwareness indicates a zero-length awareness payload.
	ErrEmptyAwareness = errors.New("presence: empty awareness payload")
	// ErrShortAwareness indicates a payload below the minimum length.
	ErrShortAwareness = errors.New("presence: awareness payload too short")
	// ErrZeroAwareness indicates an all-zero payload, treated as corrupt.
	ErrZeroAwareness = errors.New("presence: all-zero awareness payload")
)

// User is the display identity attached to a presence entry.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Entry is the ephemeral per-client presence state. It is never persisted
// and vanishes with the connection.
type Entry struct {
	ClientID  string `json:"clientId"`
	User      User   `json:"user"`
	Awareness []byte `json:"-"`
}

// Tracker owns one ephemeral presence map per session, keyed by the
// process-assigned client identifier. Awareness payloads are opaque: the
// tracker sanity-checks and stores the latest one per client
// (last-arrival-wins) but never interprets its structure.
type Tracker struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*Entry
}

// NewTracker returns an empty Tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		logger:   logger,
		sessions: make(map[string]map[string]*Entry),
	}
}

// Join registers a client's presence in the session.
func (t *Tracker) Join(sessionID, clientID string, user User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.sessions[sessionID]
	if !ok {
		room = make(map[string]*Entry)
		t.sessions[sessionID] = room
	}
	room[clientID] = &Entry{ClientID: clientID, User: user}
}

// Leave clears the client's presence and reports the departed user so the
// caller can broadcast a user-left event.
func (t *Tracker) Leave(sessionID, clientID string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.sessions[sessionID]
	if !ok {
		return User{}, false
	}
	entry, ok := room[clientID]
	if !ok {
		return User{}, false
	}
	delete(room, clientID)
	if len(room) == 0 {
		delete(t.sessions, sessionID)
	}
	return entry.User, true
}

// UpdateAwareness validates and stores the client's latest awareness
// payload. Later arrivals overwrite earlier ones; under fanout reordering a
// stale cursor may transiently win, which is an accepted limitation.
func (t *Tracker) UpdateAwareness(sessionID, clientID string, payload []byte) error {
	if err := ValidateAwareness(payload); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	entry, ok := room[clientID]
	if !ok {
		return nil
	}
	entry.Awareness = append([]byte(nil), payload...)
	return nil
}

// List returns the current presence roster for the session.
func (t *Tracker) List(sessionID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.sessions[sessionID]
	entries := make([]Entry, 0, len(room))
	for _, entry := range room {
		entries = append(entries, *entry)
	}
	return entries
}

// ValidateAwareness applies the sanity checks shared by every
// awareness consumer: non-empty, minimum length, not all zeroes.
func ValidateAwareness(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyAwareness
	}
	if len(payload) < minAwarenessLength {
		return fmt.Errorf("%w: %d bytes", ErrShortAwareness, len(payload))
	}
	allZero := true
	for _, b := range payload {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ErrZeroAwareness
	}
	return nil
}
