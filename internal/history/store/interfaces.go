package store

import (
	"context"

	"github.com/linkflow/core/internal/history/engine"
	"github.com/linkflow/core/internal/history/types"
)

// EventStore is the append-only history of a run. Appends are idempotent per
// (run, event_id) and guarded by the caller-supplied expected version.
type EventStore interface {
	AppendEvents(ctx context.Context, key types.ExecutionKey, events []*types.HistoryEvent, expectedVersion int64) error
	GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error)
	GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error)
	GetLatestEventID(ctx context.Context, key types.ExecutionKey) (int64, error)
	DeleteEvents(ctx context.Context, key types.ExecutionKey) error
}

// MutableStateStore holds the current snapshot per run with optimistic
// versioning. Update succeeds only at the expected db_version.
type MutableStateStore interface {
	GetMutableState(ctx context.Context, key types.ExecutionKey) (*engine.MutableState, error)
	UpdateMutableState(ctx context.Context, key types.ExecutionKey, state *engine.MutableState, expectedVersion int64) error
	DeleteMutableState(ctx context.Context, key types.ExecutionKey) error
	ListRunningExecutions(ctx context.Context) ([]types.ExecutionKey, error)
}

// StartRequestStore records which run_id owns a (workflow_id, request_id)
// start, making StartWorkflow idempotent. Register returns the winning run_id
// and whether this call inserted it.
type StartRequestStore interface {
	Register(ctx context.Context, namespaceID, workflowID, requestID, runID string) (string, bool, error)
}

// ChecksumPolicy decides what a state load does when the stored checksum does
// not match the blob.
type ChecksumPolicy int

const (
	// ChecksumLog logs the mismatch and continues with the loaded state.
	ChecksumLog ChecksumPolicy = iota
	// ChecksumStrict fails the load.
	ChecksumStrict
)
