package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/montereylabs/duet/backend/internal/auth"
	"github.com/montereylabs/duet/backend/internal/document"
	"github.com/montereylabs/duet/backend/internal/fanout"
	"github.com/montereylabs/duet/backend/internal/presence"
	"github.com/montereylabs/duet/backend/internal/session"
)

var (
	errMissingSessions = errors.New("gateway: session service is required")
	errMissingRegistry = errors.New("gateway: document registry is required")
	errMissingSaver    = errors.New("gateway: saver is required")
	errMissingPresence = errors.New("gateway: presence tracker is required")
	errMissingBus      = errors.New("gateway: fanout bus is required")
)

// Config describes the collaborators wired into the gateway.
type Config struct {
	Sessions *session.Service
	Registry *document.Registry
	Saver    *document.Saver
	Presence *presence.Tracker
	Bus      fanout.Bus
	// SessionLookupTimeout bounds the join-time existence check. A lookup
	// that cannot complete in time fails closed as not-found.
	SessionLookupTimeout time.Duration
	// OriginID identifies this process on the fanout bus. Defaults to a
	// fresh UUID per process.
	OriginID string
	Logger   *zap.Logger
}

// Gateway accepts duplex client connections, assigns them to session rooms,
// relays document and presence events, and keeps the engine, persistence,
// and fanout collaborators in step.
type Gateway struct {
	sessions      *session.Service
	registry      *document.Registry
	saver         *document.Saver
	presence      *presence.Tracker
	bus           fanout.Bus
	rooms         *Rooms
	lookupTimeout time.Duration
	originID      string
	logger        *zap.Logger
}

// New validates the configuration and returns a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	lookupTimeout := cfg.SessionLookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = 5 * time.Second
	}
	originID := cfg.OriginID
	if originID == "" {
		originID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		sessions:      cfg.Sessions,
		registry:      cfg.Registry,
		saver:         cfg.Saver,
		presence:      cfg.Presence,
		bus:           cfg.Bus,
		rooms:         NewRooms(),
		lookupTimeout: lookupTimeout,
		originID:      originID,
		logger:        logger,
	}, nil
}

// Run installs the standing fanout subscription. Cross-process convergence
// stops when ctx ends; local room relay is unaffected.
func (g *Gateway) Run(ctx context.Context) error {
	return g.bus.Subscribe(ctx, g.handleFanout)
}

// connState is the per-connection state machine position. It is only ever
// touched by the connection's reader goroutine.
type connState struct {
	joined string
	doc    *document.LiveDocument
}

// HandleConnection drives one client connection until it closes. The
// identity in claims was verified before the upgrade; client-supplied
// identity fields are never trusted over it.
func (g *Gateway) HandleConnection(ctx context.Context, conn *websocket.Conn, claims auth.SessionClaims) {
	client := NewClient(uuid.NewString(), claims.UserID, claims.UserDisplayName, claims.UserColor, conn)
	go client.WritePump()

	state := &connState{}
	defer func() {
		g.leave(ctx, client, state)
		client.Close()
	}()

	for {
		envelope, err := client.ReadEnvelope()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				g.logger.Debug("dropping malformed client frame",
					zap.String("client_id", client.ID()),
					zap.Error(err))
				continue
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		g.dispatch(ctx, client, state, envelope)
	}
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, state *connState, envelope Envelope) {
	switch envelope.Type {
	case EventJoin:
		g.handleJoin(ctx, client, state, envelope)
	case EventLeave:
		g.leave(ctx, client, state)
	case EventDocUpdate:
		g.handleDocUpdate(ctx, client, state, envelope)
	case EventAwareness:
		g.handleAwareness(ctx, client, state, envelope)
	case EventRequestSync:
		g.handleRequestSync(client, state)
	case EventSendMessage:
		g.handleSendMessage(ctx, client, state, envelope)
	default:
		g.logger.Debug("ignoring unknown event type",
			zap.String("client_id", client.ID()),
			zap.String("type", string(envelope.Type)))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, client *Client, state *connState, envelope Envelope) {
	sessionID, err := session.NewSessionID(envelope.SessionID)
	if err != nil {
		client.Send(encodeEnvelope(Envelope{Type: EventSessionNotFound, SessionID: envelope.SessionID}))
		return
	}
	if state.joined == sessionID.String() {
		// Re-join of the current session acts like a resync request.
		g.handleRequestSync(client, state)
		return
	}
	if state.joined != "" {
		g.leave(ctx, client, state)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	sess, err := g.sessions.GetSession(lookupCtx, sessionID)
	cancel()
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			g.logger.Warn("session lookup failed, failing closed",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
		client.Send(encodeEnvelope(Envelope{Type: EventSessionNotFound, SessionID: sessionID.String()}))
		return
	}

	doc, err := g.registry.Acquire(ctx, sessionID.String())
	if err != nil {
		g.logger.Error("document materialization failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		client.Send(encodeEnvelope(Envelope{Type: EventSessionNotFound, SessionID: sessionID.String()}))
		return
	}

	state.joined = sessionID.String()
	state.doc = doc
	g.rooms.Add(state.joined, client)

	// Presence identity comes from the verified token only; identity fields
	// in client frames are never trusted.
	user := presence.User{ID: client.UserID(), Name: client.UserName(), Color: client.UserColor()}
	g.presence.Join(state.joined, client.ID(), user)

	// Tell the joiner who is already here.
	for _, entry := range g.presence.List(state.joined) {
		if entry.ClientID == client.ID() {
			continue
		}
		peer := entry.User
		client.Send(encodeEnvelope(Envelope{Type: EventUserJoined, SessionID: state.joined, User: &peer}))
	}
	if !doc.IsEmpty() {
		client.Send(binaryEnvelope(EventDocState, state.joined, doc.EncodeFull()))
	}
	g.rooms.Broadcast(state.joined,
		encodeEnvelope(Envelope{Type: EventUserJoined, SessionID: state.joined, User: &user}),
		client.ID())

	role := "editor"
	if sess.OwnerID == client.UserID() {
		role = "owner"
	}
	userID, err := session.NewUserID(client.UserID())
	if err == nil {
		if err := g.sessions.UpsertParticipant(ctx, sessionID, userID, role); err != nil {
			g.logger.Warn("participant upsert failed",
				zap.String("session_id", state.joined),
				zap.String("user_id", client.UserID()),
				zap.Error(err))
		}
	}
}

func (g *Gateway) handleDocUpdate(ctx context.Context, client *Client, state *connState, envelope Envelope) {
	if state.joined == "" {
		return
	}
	payload := envelope.Payload()
	if len(payload) == 0 {
		g.logger.Debug("dropping empty document update",
			zap.String("session_id", state.joined),
			zap.String("client_id", client.ID()))
		return
	}
	if err := state.doc.Merge(payload); err != nil {
		g.logger.Warn("rejecting document update",
			zap.String("session_id", state.joined),
			zap.String("client_id", client.ID()),
			zap.Error(err))
		// The offender may have diverged; a fresh full state lets it self-heal.
		client.Send(binaryEnvelope(EventDocState, state.joined, state.doc.EncodeFull()))
		return
	}

	g.rooms.Broadcast(state.joined, binaryEnvelope(EventDocUpdate, state.joined, payload), client.ID())
	g.publish(ctx, fanout.KindDocUpdate, state.joined, payload)
	g.saver.Schedule(state.joined)
}

func (g *Gateway) handleAwareness(ctx context.Context, client *Client, state *connState, envelope Envelope) {
	if state.joined == "" {
		return
	}
	payload := envelope.Payload()
	if err := g.presence.UpdateAwareness(state.joined, client.ID(), payload); err != nil {
		g.logger.Debug("dropping awareness update",
			zap.String("session_id", state.joined),
			zap.String("client_id", client.ID()),
			zap.Error(err))
		return
	}
	g.rooms.Broadcast(state.joined, binaryEnvelope(EventAwareness, state.joined, payload), client.ID())
	g.publish(ctx, fanout.KindAwareness, state.joined, payload)
}

func (g *Gateway) handleRequestSync(client *Client, state *connState) {
	if state.joined == "" {
		return
	}
	client.Send(binaryEnvelope(EventDocState, state.joined, state.doc.EncodeFull()))
}

func (g *Gateway) handleSendMessage(ctx context.Context, client *Client, state *connState, envelope Envelope) {
	if state.joined == "" || envelope.Text == "" {
		return
	}
	sessionID, err := session.NewSessionID(state.joined)
	if err != nil {
		return
	}
	userID, err := session.NewUserID(client.UserID())
	if err != nil {
		return
	}
	record, err := g.sessions.CreateChatMessage(ctx, sessionID, userID, client.UserName(), envelope.Text)
	if err != nil {
		g.logger.Error("chat message persist failed",
			zap.String("session_id", state.joined),
			zap.Error(err))
		return
	}
	// The sender needs the server-assigned id and timestamp, so the chat
	// broadcast covers the whole room including the sender.
	g.rooms.Broadcast(state.joined, encodeEnvelope(Envelope{
		Type:      EventChatMessage,
		SessionID: state.joined,
		Message: &ChatPayload{
			MessageID:     record.MessageID,
			UserID:        record.UserID,
			UserName:      record.UserName,
			Body:          record.Body,
			SentAtSeconds: record.SentAtSeconds,
		},
	}), "")
}

func (g *Gateway) leave(ctx context.Context, client *Client, state *connState) {
	if state.joined == "" {
		return
	}
	sessionID := state.joined
	state.joined = ""
	state.doc = nil

	g.rooms.Remove(sessionID, client.ID())
	if user, ok := g.presence.Leave(sessionID, client.ID()); ok {
		g.rooms.Broadcast(sessionID,
			encodeEnvelope(Envelope{Type: EventUserLeft, SessionID: sessionID, UserID: user.ID}),
			client.ID())
	}

	if !g.rooms.HasUser(sessionID, client.UserID()) {
		sid, sidErr := session.NewSessionID(sessionID)
		uid, uidErr := session.NewUserID(client.UserID())
		if sidErr == nil && uidErr == nil {
			if err := g.sessions.MarkParticipantLeft(ctx, sid, uid); err != nil {
				g.logger.Warn("participant leave stamp failed",
					zap.String("session_id", sessionID),
					zap.String("user_id", client.UserID()),
					zap.Error(err))
			}
		}
	}

	// Release flushes a final durable write when the room empties locally.
	g.registry.Release(ctx, sessionID)
}

func (g *Gateway) publish(ctx context.Context, kind fanout.Kind, sessionID string, payload []byte) {
	err := g.bus.Publish(ctx, fanout.Message{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Origin:    g.originID,
	})
	if err != nil {
		g.logger.Warn("fanout publish failed",
			zap.String("session_id", sessionID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

// handleFanout relays messages published by other processes into the local
// room. Locally-originated messages were already merged and broadcast
// before publishing, so they are skipped rather than re-applied.
func (g *Gateway) handleFanout(msg fanout.Message) {
	if msg.Origin == g.originID {
		return
	}
	switch msg.Kind {
	case fanout.KindDocUpdate:
		if doc := g.registry.Peek(msg.SessionID); doc != nil {
			if err := doc.Merge(msg.Payload); err != nil {
				g.logger.Warn("dropping remote document update",
					zap.String("session_id", msg.SessionID),
					zap.Error(err))
				return
			}
			g.saver.Schedule(msg.SessionID)
		}
		g.rooms.Broadcast(msg.SessionID, binaryEnvelope(EventDocUpdate, msg.SessionID, msg.Payload), "")
	case fanout.KindAwareness:
		if err := presence.ValidateAwareness(msg.Payload); err != nil {
			g.logger.Debug("dropping remote awareness update",
				zap.String("session_id", msg.SessionID),
				zap.Error(err))
			return
		}
		g.rooms.Broadcast(msg.SessionID, binaryEnvelope(EventAwareness, msg.SessionID, msg.Payload), "")
	default:
		g.logger.Debug("ignoring unknown fanout kind",
			zap.String("session_id", msg.SessionID),
			zap.String("kind", string(msg.Kind)))
	}
}
