package visibility

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkflow/core/internal/history/types"
)

var (
	ErrExecutionNotFound = errors.New("execution not found in visibility")
	ErrInvalidPageToken  = errors.New("invalid page token")
)

// Record is one row of the secondary listing index. Not authoritative; the
// mutable state store is.
type Record struct {
	NamespaceID   string
	WorkflowID    string
	RunID         string
	WorkflowType  string
	StartTime     time.Time
	CloseTime     time.Time
	Status        types.ExecutionStatus
	HistoryLength int64
	Memo          map[string]string
}

// Page is one listing page plus the token for the next one. An empty token
// means the last page.
type Page struct {
	Records       []*Record
	NextPageToken string
}

// Store indexes executions for listing with keyset pagination.
type Store interface {
	RecordStarted(ctx context.Context, record *Record) error
	RecordClosed(ctx context.Context, record *Record) error
	GetExecution(ctx context.Context, namespaceID, runID string) (*Record, error)
	ListOpen(ctx context.Context, namespaceID string, pageSize int, pageToken string) (*Page, error)
	ListClosed(ctx context.Context, namespaceID string, pageSize int, pageToken string) (*Page, error)
	DeleteExecution(ctx context.Context, namespaceID, runID string) error
}

// pageToken is the keyset cursor: the sort timestamp and run_id of the last
// row of the previous page, encoded as RFC3339Nano "|" run_id.
type pageToken struct {
	Time  time.Time
	RunID string
}

func encodePageToken(t time.Time, runID string) string {
	return t.UTC().Format(time.RFC3339Nano) + "|" + runID
}

func decodePageToken(token string) (pageToken, error) {
	idx := strings.IndexByte(token, '|')
	if idx <= 0 || idx == len(token)-1 {
		return pageToken{}, ErrInvalidPageToken
	}
	t, err := time.Parse(time.RFC3339Nano, token[:idx])
	if err != nil {
		return pageToken{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return pageToken{Time: t, RunID: token[idx+1:]}, nil
}
