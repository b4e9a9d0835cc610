package fanout

import "context"

// Kind labels the payload carried by a fanout message.
type Kind string

const (
	// KindDocUpdate carries opaque CRDT update bytes.
	KindDocUpdate Kind = "doc-update"
	// KindAwareness carries opaque presence payload bytes.
	KindAwareness Kind = "awareness"
)

// Message is one cross-instance relay unit. Payload bytes are moved
// verbatim: no fanout component interprets their structure. Origin
// identifies the publishing process so subscribers can tolerate buses that
// deliver self-publishes back.
type Message struct {
	SessionID string
	Kind      Kind
	Payload   []byte
	Origin    string
}

// Handler consumes delivered messages. Handlers must tolerate duplicates,
// reordering across sessions, and self-originated messages.
type Handler func(msg Message)

// Bus relays session messages between independent server processes so
// clients connected to different processes converge. Delivery is
// at-least-once and ordering is the underlying transport's best effort.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe installs a standing subscription that invokes handler for
	// every message published by any process. It returns once the
	// subscription is established; delivery continues until ctx is done.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}
