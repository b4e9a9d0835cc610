package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix   = "sync:"
	channelWildcard = channelPrefix + "*"
	initialBackoff  = 250 * time.Millisecond
	maxBackoff      = 5 * time.Second
)

// ErrFanoutUnreachable indicates the bus could not be reached within the
// configured number of attempts. Running without fanout would silently
// break cross-process convergence, so this is surfaced as fatal.
var ErrFanoutUnreachable = errors.New("fanout: redis unreachable")

type redisEnvelope struct {
	Origin     string `json:"origin"`
	Kind       string `json:"kind"`
	PayloadB64 string `json:"payload_b64"`
}

// RedisBusConfig describes the connection and retry policy for the bus.
type RedisBusConfig struct {
	Address     string
	MaxAttempts int
	Logger      *zap.Logger
}

// RedisBus bridges session messages between processes over Redis pub/sub.
// Messages publish on sync:<sessionId> and the subscription covers sync:*
// so one connection observes every session. Redis delivers self-publishes
// back to the publisher; the envelope's origin lets handlers skip those.
type RedisBus struct {
	client      *redis.Client
	maxAttempts int
	logger      *zap.Logger
}

// NewRedisBus connects to Redis, verifying reachability with bounded
// backed-off attempts before returning.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address})

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			break
		}
		if attempt >= maxAttempts {
			_ = client.Close()
			return nil, fmt.Errorf("%w: %d attempts: %v", ErrFanoutUnreachable, attempt, err)
		}
		logger.Warn("redis ping failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return &RedisBus{client: client, maxAttempts: maxAttempts, logger: logger}, nil
}

// Publish sends the message on the session's channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	envelope := redisEnvelope{
		Origin:     msg.Origin,
		Kind:       string(msg.Kind),
		PayloadB64: base64.StdEncoding.EncodeToString(msg.Payload),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelPrefix+msg.SessionID, raw).Err()
}

// Subscribe installs the wildcard subscription and pumps messages to the
// handler until ctx is done. Malformed envelopes are logged per message and
// skipped; they never terminate the loop.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	pubsub := b.client.PSubscribe(ctx, channelWildcard)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("%w: subscribe: %v", ErrFanoutUnreachable, err)
	}

	stream := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case raw, ok := <-stream:
				if !ok {
					return
				}
				msg, err := decodeRedisMessage(raw)
				if err != nil {
					b.logger.Warn("dropping malformed fanout message",
						zap.String("channel", raw.Channel),
						zap.Error(err))
					continue
				}
				handler(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close releases the underlying connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func decodeRedisMessage(raw *redis.Message) (Message, error) {
	sessionID := strings.TrimPrefix(raw.Channel, channelPrefix)
	if sessionID == "" || sessionID == raw.Channel {
		return Message{}, fmt.Errorf("unexpected channel %q", raw.Channel)
	}
	var envelope redisEnvelope
	if err := json.Unmarshal([]byte(raw.Payload), &envelope); err != nil {
		return Message{}, err
	}
	if envelope.Kind == "" {
		return Message{}, errors.New("missing kind")
	}
	payload, err := base64.StdEncoding.DecodeString(envelope.PayloadB64)
	if err != nil {
		return Message{}, err
	}
	if len(payload) == 0 {
		return Message{}, errors.New("empty payload")
	}
	return Message{
		SessionID: sessionID,
		Kind:      Kind(envelope.Kind),
		Payload:   payload,
		Origin:    envelope.Origin,
	}, nil
}
