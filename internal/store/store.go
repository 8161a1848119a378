// Package store persists workflow run state in SQLite so finished and
// in-flight runs can be inspected and resumed after a restart.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/workdeck/workflow"
)

// runRecord is the persisted row for one workflow run. The full state is kept
// as JSON; indexed columns are denormalized for listing queries.
type runRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	Status       string `gorm:"size:16;index"`
	Goal         string
	FinalAnswer  string
	ErrorMessage string
	StateJSON    []byte
	StartedAt    time.Time `gorm:"index"`
	CompletedAt  *time.Time
	DurationMs   int64
	UpdatedAt    time.Time
}

func (runRecord) TableName() string { return "workflow_runs" }

// RunSummary is the listing projection of a persisted run.
type RunSummary struct {
	ID         string          `json:"id"`
	Status     workflow.Status `json:"status"`
	Goal       string          `json:"goal"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
}

// SQLiteStore is a workflow.Store backed by a SQLite file.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral store in tests.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return nil, fmt.Errorf("migrate workflow_runs: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "run_store")),
	}, nil
}

// SaveState upserts the run's current state. Called on every status
// transition, so a crash loses at most the events since the last transition.
func (s *SQLiteStore) SaveState(ctx context.Context, state *workflow.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", state.ID, err)
	}
	rec := runRecord{
		ID:           state.ID,
		Status:       string(state.Status),
		Goal:         state.Goal,
		FinalAnswer:  state.FinalAnswer,
		ErrorMessage: state.ErrorMessage,
		StateJSON:    raw,
		StartedAt:    state.StartedAt,
		DurationMs:   state.DurationMs,
	}
	if !state.CompletedAt.IsZero() {
		t := state.CompletedAt
		rec.CompletedAt = &t
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
}

// LoadState returns the persisted state of a run.
func (s *SQLiteStore) LoadState(ctx context.Context, id string) (*workflow.State, error) {
	var rec runRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	var state workflow.State
	if err := json.Unmarshal(rec.StateJSON, &state); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &state, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []runRecord
	if err := s.db.WithContext(ctx).
		Order("started_at desc").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, RunSummary{
			ID:         rec.ID,
			Status:     workflow.Status(rec.Status),
			Goal:       rec.Goal,
			StartedAt:  rec.StartedAt,
			DurationMs: rec.DurationMs,
		})
	}
	return out, nil
}

// DeleteRun removes a persisted run.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&runRecord{}, "id = ?", id).Error
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
