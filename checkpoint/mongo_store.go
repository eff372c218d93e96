package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/takt-io/takt/types"
)

// MongoStore persists checkpoint logs in MongoDB. A counters collection
// assigns per-execution sequences via an atomic upsert increment.
type MongoStore struct {
	checkpoints *mongo.Collection
	counters    *mongo.Collection
}

// NewMongoStore creates a store over the given database using the
// "checkpoints" and "checkpoint_counters" collections.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		checkpoints: db.Collection("checkpoints"),
		counters:    db.Collection("checkpoint_counters"),
	}
}

func (s *MongoStore) nextSequence(ctx context.Context, executionID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: executionID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to assign checkpoint sequence: %w", err)
	}
	return counter.Seq, nil
}

func (s *MongoStore) Append(ctx context.Context, cp *Checkpoint) error {
	seq, err := s.nextSequence(ctx, cp.ExecutionID)
	if err != nil {
		return err
	}
	cp.Sequence = seq
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	if _, err := s.checkpoints.InsertOne(ctx, cp); err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	cursor, err := s.checkpoints.Find(ctx,
		bson.D{{Key: "execution_id", Value: executionID}},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Checkpoint
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return out, nil
}

func (s *MongoStore) LatestBefore(ctx context.Context, executionID string, stepIndex int) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.checkpoints.FindOne(ctx,
		bson.D{
			{Key: "execution_id", Value: executionID},
			{Key: "step_index", Value: bson.D{{Key: "$lte", Value: stepIndex}}},
		},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NewErrorf(types.ErrNotFound,
			"no checkpoint at or before step index %d for execution %s", stepIndex, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}
