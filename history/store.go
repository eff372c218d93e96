// Package history persists terminal execution trails to a relational
// database through GORM. It implements orchestrator.TrailRecorder, so an
// orchestrator wired with a Store writes one row per finished execution,
// holding the final step states, inputs, and outputs as JSON columns.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/takt-io/takt/orchestrator"
	"github.com/takt-io/takt/types"
)

// ExecutionRecord is one row of execution history. Inputs, Steps, and
// Outputs are JSON-encoded text so the schema works unchanged across
// postgres, mysql, and sqlite.
type ExecutionRecord struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	WorkflowID      string    `gorm:"index;size:255;not null" json:"workflow_id"`
	WorkflowVersion string    `gorm:"size:64" json:"workflow_version"`
	Status          string    `gorm:"size:32;not null" json:"status"`
	Error           string    `gorm:"type:text" json:"error,omitempty"`
	Inputs          string    `gorm:"type:text" json:"-"`
	Steps           string    `gorm:"type:text" json:"-"`
	Outputs         string    `gorm:"type:text" json:"-"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName keeps the table name stable across GORM naming strategies.
func (ExecutionRecord) TableName() string { return "execution_history" }

// DecodeInputs returns the execution inputs stored in the record.
func (r *ExecutionRecord) DecodeInputs() (map[string]any, error) {
	return decodeJSON[map[string]any](r.Inputs)
}

// DecodeSteps returns the final per-step states stored in the record.
func (r *ExecutionRecord) DecodeSteps() ([]orchestrator.StepState, error) {
	return decodeJSON[[]orchestrator.StepState](r.Steps)
}

// DecodeOutputs returns the per-step outputs stored in the record.
func (r *ExecutionRecord) DecodeOutputs() (map[string]map[string]any, error) {
	return decodeJSON[map[string]map[string]any](r.Outputs)
}

func decodeJSON[T any](raw string) (T, error) {
	var v T
	if raw == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("failed to decode history column: %w", err)
	}
	return v, nil
}

// Store reads and writes execution history rows.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore migrates the history schema and returns a ready store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate execution history schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "history")),
	}, nil
}

// RecordExecution upserts the terminal trail of an execution. Recording the
// same execution again, for example after a rollback changed its status,
// overwrites the previous row.
func (s *Store) RecordExecution(ctx context.Context, exec *orchestrator.ExecutionContext) error {
	record, err := recordFromExecution(exec)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(record).Error; err != nil {
		return fmt.Errorf("failed to record execution %s: %w", exec.ID(), err)
	}

	s.logger.Debug("execution trail recorded",
		zap.String("execution_id", record.ID),
		zap.String("workflow_id", record.WorkflowID),
		zap.String("status", record.Status),
	)
	return nil
}

// Get returns the history row for one execution.
func (s *Store) Get(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	var record ExecutionRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "execution %s has no history", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return &record, nil
}

// ListByWorkflow returns up to limit executions of one workflow, most
// recently started first. A non-positive limit means no limit.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]ExecutionRecord, error) {
	q := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var records []ExecutionRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions of %s: %w", workflowID, err)
	}
	return records, nil
}

// Prune deletes history rows finished before the cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("finished_at < ?", before).
		Delete(&ExecutionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune execution history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func recordFromExecution(exec *orchestrator.ExecutionContext) (*ExecutionRecord, error) {
	inputs, err := encodeJSON(exec.Inputs())
	if err != nil {
		return nil, err
	}
	steps, err := encodeJSON(exec.StepStates())
	if err != nil {
		return nil, err
	}
	outputs, err := encodeJSON(exec.Outputs())
	if err != nil {
		return nil, err
	}

	record := &ExecutionRecord{
		ID:              exec.ID(),
		WorkflowID:      exec.WorkflowID(),
		WorkflowVersion: exec.WorkflowVersion(),
		Status:          string(exec.Status()),
		Inputs:          inputs,
		Steps:           steps,
		Outputs:         outputs,
		StartedAt:       exec.StartedAt(),
		FinishedAt:      exec.FinishedAt(),
	}
	if execErr := exec.Err(); execErr != nil {
		record.Error = execErr.Error()
	}
	return record, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode history column: %w", err)
	}
	return string(raw), nil
}

var _ orchestrator.TrailRecorder = (*Store)(nil)
