package document

import "encoding/base64"

// DocumentRecord stores the durable representation of a session's document:
// an opaque binary CRDT snapshot (base64, authoritative when present) and a
// plain-text fallback. Once a session has received content at least one of
// the two is non-null.
type DocumentRecord struct {
	SessionID         string  `gorm:"column:session_id;primaryKey;size:190;not null"`
	BinarySnapshotB64 *string `gorm:"column:binary_snapshot_b64;type:text"`
	TextSnapshot      *string `gorm:"column:text_snapshot;type:text"`
	UpdatedAtSeconds  int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "session_documents"
}

// BinarySnapshot decodes the stored base64 snapshot. Undecodable stored
// payloads yield nil so that loading falls through to the text snapshot.
func (r *DocumentRecord) BinarySnapshot() []byte {
	if r.BinarySnapshotB64 == nil || *r.BinarySnapshotB64 == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(*r.BinarySnapshotB64)
	if err != nil {
		return nil
	}
	return raw
}
