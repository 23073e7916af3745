package visibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/core/internal/history/types"
)

// PostgresStore is the PostgreSQL visibility store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) RecordStarted(ctx context.Context, record *Record) error {
	return s.upsert(ctx, record)
}

func (s *PostgresStore) RecordClosed(ctx context.Context, record *Record) error {
	return s.upsert(ctx, record)
}

func (s *PostgresStore) upsert(ctx context.Context, record *Record) error {
	memoJSON, _ := json.Marshal(record.Memo)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions_visibility (
			namespace_id, workflow_id, run_id, workflow_type,
			start_time, close_time, status, history_length, memo
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (namespace_id, run_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			close_time = EXCLUDED.close_time,
			history_length = EXCLUDED.history_length,
			memo = EXCLUDED.memo
	`,
		record.NamespaceID,
		record.WorkflowID,
		record.RunID,
		record.WorkflowType,
		record.StartTime,
		nullableTime(record.CloseTime),
		int16(record.Status),
		record.HistoryLength,
		memoJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert visibility record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, namespaceID, runID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT namespace_id, workflow_id, run_id, workflow_type,
			   start_time, close_time, status, history_length, memo
		FROM executions_visibility
		WHERE namespace_id = $1 AND run_id = $2
	`, namespaceID, runID)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get visibility record: %w", err)
	}
	return record, nil
}

// ListOpen pages open executions by (start_time DESC, run_id DESC).
func (s *PostgresStore) ListOpen(ctx context.Context, namespaceID string, pageSize int, token string) (*Page, error) {
	return s.list(ctx, namespaceID, pageSize, token, true)
}

// ListClosed pages closed executions by (close_time DESC, run_id DESC).
func (s *PostgresStore) ListClosed(ctx context.Context, namespaceID string, pageSize int, token string) (*Page, error) {
	return s.list(ctx, namespaceID, pageSize, token, false)
}

func (s *PostgresStore) list(ctx context.Context, namespaceID string, pageSize int, token string, open bool) (*Page, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	sortColumn := "close_time"
	closeClause := "close_time IS NOT NULL"
	if open {
		sortColumn = "start_time"
		closeClause = "close_time IS NULL"
	}

	query := fmt.Sprintf(`
		SELECT namespace_id, workflow_id, run_id, workflow_type,
			   start_time, close_time, status, history_length, memo
		FROM executions_visibility
		WHERE namespace_id = $1 AND %s
	`, closeClause)
	args := []any{namespaceID}

	if token != "" {
		cursor, err := decodePageToken(token)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND (%s, run_id) < ($2, $3)", sortColumn)
		args = append(args, cursor.Time, cursor.RunID)
	}

	query += fmt.Sprintf(" ORDER BY %s DESC, run_id DESC LIMIT $%d", sortColumn, len(args)+1)
	args = append(args, pageSize+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visibility record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visibility records: %w", err)
	}

	page := &Page{}
	if len(records) > pageSize {
		records = records[:pageSize]
		last := records[len(records)-1]
		sortTime := last.CloseTime
		if open {
			sortTime = last.StartTime
		}
		page.NextPageToken = encodePageToken(sortTime, last.RunID)
	}
	page.Records = records
	return page, nil
}

func (s *PostgresStore) DeleteExecution(ctx context.Context, namespaceID, runID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM executions_visibility
		WHERE namespace_id = $1 AND run_id = $2
	`, namespaceID, runID)
	if err != nil {
		return fmt.Errorf("failed to delete visibility record: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var record Record
	var status int16
	var closeTime *time.Time
	var memoJSON []byte

	if err := row.Scan(
		&record.NamespaceID,
		&record.WorkflowID,
		&record.RunID,
		&record.WorkflowType,
		&record.StartTime,
		&closeTime,
		&status,
		&record.HistoryLength,
		&memoJSON,
	); err != nil {
		return nil, err
	}

	record.Status = types.ExecutionStatus(status)
	if closeTime != nil {
		record.CloseTime = *closeTime
	}
	if len(memoJSON) > 0 {
		json.Unmarshal(memoJSON, &record.Memo)
	}
	return &record, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
