package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/takt-io/takt/types"
)

// RedisStore persists checkpoint logs in Redis: a per-execution counter
// assigns sequences and a sorted set scored by sequence holds the JSON
// records. Concurrent appends from steps of the same stage are safe; the
// counter is the ordering authority.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a store using the given key prefix
// (default "takt:checkpoint:").
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "takt:checkpoint:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) seqKey(executionID string) string {
	return s.keyPrefix + "seq:" + executionID
}

func (s *RedisStore) logKey(executionID string) string {
	return s.keyPrefix + "log:" + executionID
}

func (s *RedisStore) Append(ctx context.Context, cp *Checkpoint) error {
	seq, err := s.client.Incr(ctx, s.seqKey(cp.ExecutionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to assign checkpoint sequence: %w", err)
	}
	cp.Sequence = seq
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.logKey(cp.ExecutionID), redis.Z{
		Score:  float64(seq),
		Member: payload,
	}).Err(); err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	members, err := s.client.ZRange(ctx, s.logKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*Checkpoint, 0, len(members))
	for _, m := range members {
		var cp Checkpoint
		if err := json.Unmarshal([]byte(m), &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (s *RedisStore) LatestBefore(ctx context.Context, executionID string, stepIndex int) (*Checkpoint, error) {
	cps, err := s.List(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].StepIndex <= stepIndex {
			return cps[i], nil
		}
	}
	return nil, types.NewErrorf(types.ErrNotFound,
		"no checkpoint at or before step index %d for execution %s", stepIndex, executionID)
}
