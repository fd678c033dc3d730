package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stackwise/dcavault/config"
	"github.com/stackwise/dcavault/internal/types"
)

var ErrSnapshotNotFound = errors.New("execution snapshot not found")

// snapshots outlive any sane settlement delay; an expired key surfaces
// as ErrSnapshotNotFound and the execution is treated as stuck.
const snapshotTTL = 72 * time.Hour

// RedisStorage holds execution snapshots keyed by correlation id so
// any number of swaps can be in flight concurrently.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(cfg config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("fail to connect to redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func snapshotKey(correlationID uuid.UUID) string {
	return "execution:" + correlationID.String()
}

func (r *RedisStorage) SetExecutionSnapshot(ctx context.Context, snapshot types.ExecutionSnapshot) error {
	buf, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("fail to marshal execution snapshot: %w", err)
	}
	if err := r.client.Set(ctx, snapshotKey(snapshot.CorrelationID), buf, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("fail to store execution snapshot: %w", err)
	}
	return nil
}

func (r *RedisStorage) GetExecutionSnapshot(ctx context.Context, correlationID uuid.UUID) (types.ExecutionSnapshot, error) {
	buf, err := r.client.Get(ctx, snapshotKey(correlationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.ExecutionSnapshot{}, ErrSnapshotNotFound
		}
		return types.ExecutionSnapshot{}, fmt.Errorf("fail to load execution snapshot: %w", err)
	}

	var snapshot types.ExecutionSnapshot
	if err := json.Unmarshal(buf, &snapshot); err != nil {
		return types.ExecutionSnapshot{}, fmt.Errorf("fail to unmarshal execution snapshot: %w", err)
	}
	return snapshot, nil
}

func (r *RedisStorage) DeleteExecutionSnapshot(ctx context.Context, correlationID uuid.UUID) error {
	return r.client.Del(ctx, snapshotKey(correlationID)).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
