package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/takt-io/takt/types"
)

// RedisStore persists approval requests in Redis: one JSON value per
// request plus a per-execution sorted-set index ordered by creation time.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a store using the given key prefix
// (default "takt:approval:").
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "takt:approval:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) requestKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) executionKey(executionID string) string {
	return s.keyPrefix + "execution:" + executionID
}

func (s *RedisStore) Save(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.requestKey(req.ID), payload, 0)
	pipe.ZAdd(ctx, s.executionKey(req.ExecutionID), redis.Z{
		Score:  float64(req.CreatedAt.UnixNano()),
		Member: req.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Request, error) {
	data, err := s.client.Get(ctx, s.requestKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.NewErrorf(types.ErrNotFound, "approval request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval request: %w", err)
	}
	return &req, nil
}

func (s *RedisStore) ListByExecution(ctx context.Context, executionID string) ([]*Request, error) {
	ids, err := s.client.ZRange(ctx, s.executionKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}

	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
