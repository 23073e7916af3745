package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads variables from the variables table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, namespaceID, name string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM variables
		WHERE namespace_id = $1 AND name = $2
	`, namespaceID, name).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrVariableNotFound, name)
		}
		return "", fmt.Errorf("failed to get variable: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) List(ctx context.Context, namespaceID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, value FROM variables
		WHERE namespace_id = $1
	`, namespaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		result[name] = value
	}
	return result, rows.Err()
}

// MemoryStore is an in-memory variable store for tests.
type MemoryStore struct {
	vars map[string]map[string]string
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vars: make(map[string]map[string]string)}
}

func (s *MemoryStore) Set(namespaceID, name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vars[namespaceID] == nil {
		s.vars[namespaceID] = make(map[string]string)
	}
	s.vars[namespaceID][name] = value
}

func (s *MemoryStore) Delete(namespaceID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars[namespaceID], name)
}

func (s *MemoryStore) Get(ctx context.Context, namespaceID, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.vars[namespaceID][name]; ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrVariableNotFound, name)
}

func (s *MemoryStore) List(ctx context.Context, namespaceID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string, len(s.vars[namespaceID]))
	for k, v := range s.vars[namespaceID] {
		result[k] = v
	}
	return result, nil
}
