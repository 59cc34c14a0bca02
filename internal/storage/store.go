package storage

import (
	"context"

	"meshnet/internal/model"
)

// Store defines persistence operations for run metadata and history. The run
// directory stays the source of truth for snapshot payloads; the store mirrors
// the metadata needed to query runs without walking directories.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	AppendLogRows(ctx context.Context, runID string, rows []model.LogRow) error
	GetLogRows(ctx context.Context, runID string) ([]model.LogRow, bool, error)
	SaveCheckpointIndex(ctx context.Context, runID string, index []model.CheckpointIndexEntry) error
	GetCheckpointIndex(ctx context.Context, runID string) ([]model.CheckpointIndexEntry, bool, error)
}
