package research

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func sampleQueue(t *testing.T) *TopicQueue {
	t.Helper()
	q := NewTopicQueue("job-1", 4)
	if _, _, err := q.Add("margins", "gross and operating margins", SourceDecompose, 1); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return q
}

func TestFileCheckpointer(t *testing.T) {
	ctx := context.Background()
	cp, err := NewFileCheckpointer(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCheckpointer() error = %v", err)
	}
	if _, err := cp.Load(ctx, "job-1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load() before save got %v, want ErrNoCheckpoint", err)
	}

	if err := SaveQueue(ctx, cp, sampleQueue(t)); err != nil {
		t.Fatalf("SaveQueue() error = %v", err)
	}
	q, err := LoadQueue(ctx, cp, "job-1")
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	blocks := q.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].Overview != "gross and operating margins" {
		t.Fatalf("overview got %q", blocks[0].Overview)
	}
}

func TestRedisCheckpointer(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cp := NewRedisCheckpointer(client, "test", time.Hour)
	if _, err := cp.Load(ctx, "job-1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load() before save got %v, want ErrNoCheckpoint", err)
	}

	if err := SaveQueue(ctx, cp, sampleQueue(t)); err != nil {
		t.Fatalf("SaveQueue() error = %v", err)
	}
	if !mr.Exists("test:queue:job-1") {
		t.Fatalf("checkpoint key not written")
	}
	if ttl := mr.TTL("test:queue:job-1"); ttl != time.Hour {
		t.Fatalf("ttl got %v, want 1h", ttl)
	}

	q, err := LoadQueue(ctx, cp, "job-1")
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length got %d, want 1", q.Len())
	}
}

func TestNoopCheckpointer(t *testing.T) {
	cp := NoopCheckpointer{}
	if err := SaveQueue(context.Background(), cp, sampleQueue(t)); err != nil {
		t.Fatalf("SaveQueue() error = %v", err)
	}
	if _, err := cp.Load(context.Background(), "job-1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load() got %v, want ErrNoCheckpoint", err)
	}
}
