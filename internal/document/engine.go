package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
)

// contentKey is the single text field holding the shared buffer.
const contentKey = "content"

var (
	// ErrEmptyUpdate indicates a zero-length update payload.
	ErrEmptyUpdate = errors.New("document: empty update")
	// ErrMalformedUpdate indicates update bytes the CRDT could not decode.
	ErrMalformedUpdate = errors.New("document: malformed update")
)

// LiveDocument is the materialized CRDT document for one active session.
// Exactly one exists per session per process, owned by the Registry. All
// mutation goes through the internal mutex: the underlying document is not
// safe for concurrent in-place writes, so merges for one session are
// serialized while independent sessions proceed in parallel.
type LiveDocument struct {
	sessionID string
	mu        sync.Mutex
	doc       *automerge.Doc
}

// Load materializes a LiveDocument from a persisted record. A well-formed
// binary snapshot is authoritative; a malformed one is logged and the text
// snapshot (or an empty document) serves instead. Load never fails: a
// session must stay serveable regardless of what was persisted.
func Load(sessionID string, record *DocumentRecord, logger *zap.Logger) *LiveDocument {
	if logger == nil {
		logger = zap.NewNop()
	}
	live := &LiveDocument{sessionID: sessionID}

	if record != nil && len(record.BinarySnapshot()) > 0 {
		doc, err := automerge.Load(record.BinarySnapshot())
		if err == nil {
			live.doc = doc
			return live
		}
		logger.Warn("binary snapshot corrupted, falling back to text snapshot",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	live.doc = automerge.New()
	if record != nil && record.TextSnapshot != nil && *record.TextSnapshot != "" {
		if err := live.doc.Path(contentKey).Set(automerge.NewText(*record.TextSnapshot)); err != nil {
			logger.Error("text snapshot seed failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			live.doc = automerge.New()
		}
	}
	return live
}

// SessionID returns the owning session identifier.
func (d *LiveDocument) SessionID() string {
	return d.sessionID
}

// Merge applies a remote incremental update. Updates are self-contained
// change bundles, so applying them is idempotent and order-insensitive:
// duplicates and echoes of locally-applied updates are harmless. Malformed
// bytes are rejected without touching the document state.
func (d *LiveDocument) Merge(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	incoming, err := automerge.Load(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	changes, err := incoming.Changes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.Apply(changes...); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return nil
}

// EncodeFull produces a self-contained snapshot that reproduces the current
// state when loaded into a fresh document. Used to bootstrap joiners and as
// the durable binary snapshot.
func (d *LiveDocument) EncodeFull() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// EncodeText returns the human-readable fallback string, or "" when the
// document holds no text yet.
func (d *LiveDocument) EncodeText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.doc.RootMap().Get(contentKey)
	if err != nil || value == nil || value.Kind() != automerge.KindText {
		return ""
	}
	text, err := value.Text().Get()
	if err != nil {
		return ""
	}
	return text
}

// IsEmpty reports whether the document has never received content. Used to
// skip sending pointless full-state payloads to joiners of blank sessions.
func (d *LiveDocument) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.doc.Heads()) == 0
}
