package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends every event to a Redis stream so other processes
// can follow job progress.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

type SinkOption func(*RedisStreamSink)

// WithMaxLenApprox trims the stream to roughly maxLen entries on every add.
func WithMaxLenApprox(maxLen int64) SinkOption {
	return func(s *RedisStreamSink) { s.maxLen = maxLen }
}

func NewRedisStreamSink(client *redis.Client, stream string, opts ...SinkOption) *RedisStreamSink {
	if stream == "" {
		stream = "stockresearch:events"
	}
	s := &RedisStreamSink{client: client, stream: stream, maxLen: 10000}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStreamSink) Stream() string { return s.stream }

func (s *RedisStreamSink) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"research_id": ev.ResearchID,
			"type":        string(ev.Type),
			"event":       raw,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}
