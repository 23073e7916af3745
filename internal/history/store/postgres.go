package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/core/internal/history/engine"
	"github.com/linkflow/core/internal/history/events"
	"github.com/linkflow/core/internal/history/types"
)

const pgUniqueViolation = "23505"

// PostgresEventStore implements EventStore on PostgreSQL.
type PostgresEventStore struct {
	pool       *pgxpool.Pool
	serializer *events.Serializer
	shardCount int32
}

func NewPostgresEventStore(pool *pgxpool.Pool, shardCount int32) *PostgresEventStore {
	return &PostgresEventStore{
		pool:       pool,
		serializer: events.NewJSONSerializer(),
		shardCount: shardCount,
	}
}

// AppendEvents appends a batch transactionally. When expectedVersion >= 0 the
// current max event_id must equal it. A unique violation on (run, event_id)
// is a retried request and counts as success for that event.
func (s *PostgresEventStore) AppendEvents(
	ctx context.Context,
	key types.ExecutionKey,
	evts []*types.HistoryEvent,
	expectedVersion int64,
) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if expectedVersion >= 0 {
		var currentMaxEventID int64
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(event_id), 0)
			FROM history_events
			WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
		`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&currentMaxEventID)
		if err != nil {
			return fmt.Errorf("failed to check current version: %w", err)
		}
		if currentMaxEventID != expectedVersion {
			return fmt.Errorf("%w: have %d, expected %d", types.ErrVersionMismatch, currentMaxEventID, expectedVersion)
		}
	}

	shardID := types.ShardID(key.NamespaceID, key.WorkflowID, s.shardCount)

	for _, event := range evts {
		data, err := s.serializer.Serialize(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO history_events (
				shard_id, namespace_id, workflow_id, run_id,
				event_id, event_type, version, timestamp, data
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			shardID,
			key.NamespaceID,
			key.WorkflowID,
			key.RunID,
			event.EventID,
			int16(event.EventType),
			event.Version,
			event.Timestamp,
			data,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				// Event already exists from a retried request.
				continue
			}
			return fmt.Errorf("failed to insert event %d: %w", event.EventID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetEvents returns events in [firstEventID, lastEventID], ascending.
func (s *PostgresEventStore) GetEvents(
	ctx context.Context,
	key types.ExecutionKey,
	firstEventID, lastEventID int64,
) ([]*types.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, version, timestamp, data
		FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
		  AND event_id >= $4 AND event_id <= $5
		ORDER BY event_id ASC
	`, key.NamespaceID, key.WorkflowID, key.RunID, firstEventID, lastEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	result := make([]*types.HistoryEvent, 0)
	for rows.Next() {
		var eventID int64
		var eventType int16
		var version int64
		var timestamp time.Time
		var data []byte

		if err := rows.Scan(&eventID, &eventType, &version, &timestamp, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event, err := s.serializer.Deserialize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event %d: %w", eventID, err)
		}

		// Columns are authoritative.
		event.EventID = eventID
		event.EventType = types.EventType(eventType)
		event.Version = version
		event.Timestamp = timestamp

		result = append(result, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return result, nil
}

func (s *PostgresEventStore) GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (s *PostgresEventStore) GetLatestEventID(ctx context.Context, key types.ExecutionKey) (int64, error) {
	var eventID int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(event_id), 0)
		FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event ID: %w", err)
	}
	return eventID, nil
}

// DeleteEvents removes a run's history. Retention only.
func (s *PostgresEventStore) DeleteEvents(ctx context.Context, key types.ExecutionKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID)
	if err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// PostgresMutableStateStore implements MutableStateStore on PostgreSQL.
type PostgresMutableStateStore struct {
	pool           *pgxpool.Pool
	serializer     *stateSerializer
	shardCount     int32
	checksumPolicy ChecksumPolicy
	logger         *slog.Logger
}

func NewPostgresMutableStateStore(pool *pgxpool.Pool, shardCount int32, policy ChecksumPolicy, logger *slog.Logger) *PostgresMutableStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresMutableStateStore{
		pool:           pool,
		serializer:     newStateSerializer(),
		shardCount:     shardCount,
		checksumPolicy: policy,
		logger:         logger,
	}
}

func (s *PostgresMutableStateStore) GetMutableState(
	ctx context.Context,
	key types.ExecutionKey,
) (*engine.MutableState, error) {
	var data []byte
	var nextEventID int64
	var dbVersion int64
	var checksum []byte

	err := s.pool.QueryRow(ctx, `
		SELECT state, next_event_id, db_version, checksum
		FROM mutable_state
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&data, &nextEventID, &dbVersion, &checksum)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get mutable state: %w", err)
	}

	if len(checksum) > 0 && !bytes.Equal(checksum, Checksum(data)) {
		if s.checksumPolicy == ChecksumStrict {
			return nil, fmt.Errorf("%w: run_id=%s", types.ErrChecksumMismatch, key.RunID)
		}
		s.logger.Warn("mutable state checksum mismatch",
			slog.String("workflow_id", key.WorkflowID),
			slog.String("run_id", key.RunID),
		)
	}

	state, err := s.serializer.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize mutable state: %w", err)
	}

	state.NextEventID = nextEventID
	state.DBVersion = dbVersion

	return state, nil
}

// UpdateMutableState writes the state at expectedVersion. Zero rows affected
// with expectedVersion == 0 falls through to insert; otherwise the caller
// raced another writer and gets ErrOptimisticLock.
func (s *PostgresMutableStateStore) UpdateMutableState(
	ctx context.Context,
	key types.ExecutionKey,
	state *engine.MutableState,
	expectedVersion int64,
) error {
	data, err := s.serializer.Serialize(state)
	if err != nil {
		return fmt.Errorf("failed to serialize mutable state: %w", err)
	}

	shardID := types.ShardID(key.NamespaceID, key.WorkflowID, s.shardCount)
	checksum := Checksum(data)
	newVersion := expectedVersion + 1

	tag, err := s.pool.Exec(ctx, `
		UPDATE mutable_state
		SET state = $1, next_event_id = $2, db_version = $3, checksum = $4
		WHERE namespace_id = $5 AND workflow_id = $6 AND run_id = $7 AND db_version = $8
	`,
		data,
		state.NextEventID,
		newVersion,
		checksum,
		key.NamespaceID,
		key.WorkflowID,
		key.RunID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update mutable state: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if expectedVersion != 0 {
			return types.ErrOptimisticLock
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO mutable_state (
				shard_id, namespace_id, workflow_id, run_id,
				state, next_event_id, db_version, checksum
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			shardID,
			key.NamespaceID,
			key.WorkflowID,
			key.RunID,
			data,
			state.NextEventID,
			newVersion,
			checksum,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return types.ErrOptimisticLock
			}
			return fmt.Errorf("failed to insert mutable state: %w", err)
		}
	}

	state.DBVersion = newVersion
	return nil
}

func (s *PostgresMutableStateStore) DeleteMutableState(ctx context.Context, key types.ExecutionKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM mutable_state
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID)
	if err != nil {
		return fmt.Errorf("failed to delete mutable state: %w", err)
	}
	return nil
}

// ListRunningExecutions returns the keys of all non-terminal runs. Used for
// crash recovery sweeps.
func (s *PostgresMutableStateStore) ListRunningExecutions(ctx context.Context) ([]types.ExecutionKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ms.namespace_id, ms.workflow_id, ms.run_id
		FROM mutable_state ms
		JOIN executions_visibility v
		  ON v.namespace_id = ms.namespace_id AND v.run_id = ms.run_id
		WHERE v.close_time IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running executions: %w", err)
	}
	defer rows.Close()

	var keys []types.ExecutionKey
	for rows.Next() {
		var key types.ExecutionKey
		if err := rows.Scan(&key.NamespaceID, &key.WorkflowID, &key.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan execution key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// PostgresStartRequestStore implements StartRequestStore on PostgreSQL. The
// primary key arbitrates concurrent starts: exactly one insert wins.
type PostgresStartRequestStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStartRequestStore(pool *pgxpool.Pool) *PostgresStartRequestStore {
	return &PostgresStartRequestStore{pool: pool}
}

func (s *PostgresStartRequestStore) Register(ctx context.Context, namespaceID, workflowID, requestID, runID string) (string, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO start_requests (namespace_id, workflow_id, request_id, run_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (namespace_id, workflow_id, request_id) DO NOTHING
	`, namespaceID, workflowID, requestID, runID)
	if err != nil {
		return "", false, fmt.Errorf("failed to register start request: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return runID, true, nil
	}

	var existing string
	err = s.pool.QueryRow(ctx, `
		SELECT run_id FROM start_requests
		WHERE namespace_id = $1 AND workflow_id = $2 AND request_id = $3
	`, namespaceID, workflowID, requestID).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("failed to read start request: %w", err)
	}
	return existing, false, nil
}
