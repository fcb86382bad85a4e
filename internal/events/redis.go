package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"faculty/internal/logging"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "faculty:events"

type RedisBrokerOptions struct {
	Stream string
	// Group is this instance's consumer group. Every instance needs its own
	// so each one sees every message.
	Group  string
	MaxLen int64
	Logger logging.Logger
}

// RedisBroker relays messages through a redis stream.
type RedisBroker struct {
	client *redis.Client
	opts   RedisBrokerOptions
}

func NewRedisBroker(client *redis.Client, opts RedisBrokerOptions) *RedisBroker {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 10000
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &RedisBroker{client: client, opts: opts}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.opts.Stream,
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: map[string]any{"message": raw},
	}).Err()
}

func (b *RedisBroker) Consume(ctx context.Context, handle func(context.Context, Message)) error {
	if b.opts.Group == "" {
		return errors.New("events: redis broker needs a consumer group")
	}
	stream, group := b.opts.Stream, b.opts.Group
	logger := b.opts.Logger

	if err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil {
		// BUSYGROUP means the group survived a restart.
		if !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
			return err
		}
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = b.client.XGroupDestroy(cleanup, stream, group).Err()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: group,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
				continue
			}
			logger.Warn("redis xreadgroup failed", "stream", stream, "err", err.Error())
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, st := range streams {
			for _, m := range st.Messages {
				msg, err := decodeStreamMessage(m.Values)
				if err != nil {
					logger.Warn("drop malformed event message", "id", m.ID, "err", err.Error())
				} else {
					handle(ctx, msg)
				}
				_ = b.client.XAck(ctx, stream, group, m.ID).Err()
			}
		}
	}
}

func (b *RedisBroker) Close() error { return b.client.Close() }

func decodeStreamMessage(values map[string]any) (Message, error) {
	var raw []byte
	switch v := values["message"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return Message{}, errors.New("missing message field")
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
