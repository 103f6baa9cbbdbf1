package notifs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends encoded messages to a redis stream.
type RedisStreamSink struct {
	Client *redis.Client
	Stream string
	// MaxLen trims the stream approximately; zero disables trimming.
	MaxLen int64
}

var _ Sink = (*RedisStreamSink)(nil)

func (rs *RedisStreamSink) Emit(ctx context.Context, msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: rs.Stream,
		Values: map[string]any{
			"type":    string(msg.Type()),
			"payload": string(b),
		},
	}
	if rs.MaxLen > 0 {
		args.MaxLen = rs.MaxLen
		args.Approx = true
	}
	if err := rs.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("adding %s to stream %s: %w", msg.Type(), rs.Stream, err)
	}
	return nil
}

// StreamConsumer reads messages from a redis stream as part of a consumer
// group and applies them to a Sink, acknowledging only after success.
type StreamConsumer struct {
	Client   *redis.Client
	Stream   string
	Group    string
	Consumer string
	Sink     Sink
	Logger   *slog.Logger

	BatchSize int64
	Block     time.Duration
}

func (sc *StreamConsumer) logger() *slog.Logger {
	if sc.Logger == nil {
		return slog.Default().With("system", "notifs-consumer")
	}
	return sc.Logger
}

// Setup creates the consumer group (and stream) if they do not exist.
func (sc *StreamConsumer) Setup(ctx context.Context) error {
	err := sc.Client.XGroupCreateMkStream(ctx, sc.Stream, sc.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", sc.Group, sc.Stream, err)
	}
	return nil
}

// Run consumes until ctx is done. After a failed apply the consumer re-reads
// its own pending entries before taking new ones.
func (sc *StreamConsumer) Run(ctx context.Context) error {
	if sc.Sink == nil {
		return fmt.Errorf("nil sink")
	}
	if err := sc.Setup(ctx); err != nil {
		return err
	}

	block := sc.Block
	if block <= 0 {
		block = 5 * time.Second
	}

	retry := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := ">"
		if retry {
			start = "0"
		}
		n, err := sc.consume(ctx, start, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sc.logger().Warn("stream consume failed", "stream", sc.Stream, "err", err)
			retry = true
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		// pending backlog drained
		if retry && n == 0 {
			retry = false
		}
	}
}

// ConsumeOnce reads one batch of new messages without blocking and applies
// them. It returns the number of messages handled.
func (sc *StreamConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	return sc.consume(ctx, ">", -1)
}

func (sc *StreamConsumer) consume(ctx context.Context, start string, block time.Duration) (int, error) {
	count := sc.BatchSize
	if count <= 0 {
		count = 100
	}

	streams, err := sc.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sc.Group,
		Consumer: sc.Consumer,
		Streams:  []string{sc.Stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading stream %s: %w", sc.Stream, err)
	}

	handled := 0
	for _, stream := range streams {
		for _, xm := range stream.Messages {
			if err := sc.apply(ctx, xm); err != nil {
				streamMessagesConsumed.WithLabelValues("error").Inc()
				return handled, err
			}
			if err := sc.Client.XAck(ctx, sc.Stream, sc.Group, xm.ID).Err(); err != nil {
				return handled, fmt.Errorf("acking %s: %w", xm.ID, err)
			}
			handled++
		}
	}
	return handled, nil
}

func (sc *StreamConsumer) apply(ctx context.Context, xm redis.XMessage) error {
	raw, ok := xm.Values["payload"].(string)
	if !ok {
		sc.logger().Error("stream entry missing payload, skipping", "id", xm.ID)
		streamMessagesConsumed.WithLabelValues("malformed").Inc()
		return nil
	}
	msg, err := Decode([]byte(raw))
	if err != nil {
		sc.logger().Error("undecodable stream entry, skipping", "id", xm.ID, "err", err)
		streamMessagesConsumed.WithLabelValues("malformed").Inc()
		return nil
	}
	if err := sc.Sink.Emit(ctx, msg); err != nil {
		return fmt.Errorf("applying stream entry %s: %w", xm.ID, err)
	}
	streamMessagesConsumed.WithLabelValues("ok").Inc()
	return nil
}
