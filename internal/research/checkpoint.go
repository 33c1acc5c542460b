package research

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoCheckpoint is returned by Load when nothing was saved for a job.
var ErrNoCheckpoint = errors.New("checkpoint not found")

// Checkpointer persists topic queue snapshots so an interrupted run can be
// resumed under the same research id.
type Checkpointer interface {
	Save(ctx context.Context, researchID string, data []byte) error
	Load(ctx context.Context, researchID string) ([]byte, error)
}

// SaveQueue serializes q and hands it to cp.
func SaveQueue(ctx context.Context, cp Checkpointer, q *TopicQueue) error {
	data, err := q.MarshalJSON()
	if err != nil {
		return err
	}
	return cp.Save(ctx, q.ResearchID(), data)
}

// LoadQueue restores the queue saved for researchID.
func LoadQueue(ctx context.Context, cp Checkpointer, researchID string) (*TopicQueue, error) {
	data, err := cp.Load(ctx, researchID)
	if err != nil {
		return nil, err
	}
	return LoadTopicQueue(data)
}

// NoopCheckpointer discards every snapshot.
type NoopCheckpointer struct{}

func (NoopCheckpointer) Save(context.Context, string, []byte) error { return nil }

func (NoopCheckpointer) Load(context.Context, string) ([]byte, error) { return nil, ErrNoCheckpoint }

// FileCheckpointer writes one <research_id>.json file per job into Dir.
type FileCheckpointer struct {
	Dir string
}

// NewFileCheckpointer creates dir if needed.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileCheckpointer{Dir: dir}, nil
}

func (f *FileCheckpointer) path(researchID string) string {
	return filepath.Join(f.Dir, filepath.Base(researchID)+".json")
}

// Save writes atomically through a temp file and rename.
func (f *FileCheckpointer) Save(_ context.Context, researchID string, data []byte) error {
	tmp, err := os.CreateTemp(f.Dir, ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", researchID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint %s: %w", researchID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint %s: %w", researchID, err)
	}
	if err := os.Rename(tmp.Name(), f.path(researchID)); err != nil {
		return fmt.Errorf("checkpoint %s: %w", researchID, err)
	}
	return nil
}

func (f *FileCheckpointer) Load(_ context.Context, researchID string) ([]byte, error) {
	data, err := os.ReadFile(f.path(researchID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	return data, err
}

// RedisCheckpointer stores snapshots under <prefix>:queue:<research_id> with a TTL.
type RedisCheckpointer struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCheckpointer wraps client. ttl <= 0 keeps keys forever.
func NewRedisCheckpointer(client *redis.Client, prefix string, ttl time.Duration) *RedisCheckpointer {
	if prefix == "" {
		prefix = "stockresearch"
	}
	return &RedisCheckpointer{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCheckpointer) key(researchID string) string {
	return r.prefix + ":queue:" + researchID
}

func (r *RedisCheckpointer) Save(ctx context.Context, researchID string, data []byte) error {
	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(researchID), data, ttl).Err(); err != nil {
		return fmt.Errorf("checkpoint %s: %w", researchID, err)
	}
	return nil
}

func (r *RedisCheckpointer) Load(ctx context.Context, researchID string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(researchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", researchID, err)
	}
	return data, nil
}
