package visibility

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory visibility store for tests and local runs.
type MemoryStore struct {
	records map[string]*Record // namespace_id + "/" + run_id
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func recordKey(namespaceID, runID string) string {
	return namespaceID + "/" + runID
}

func (s *MemoryStore) RecordStarted(ctx context.Context, record *Record) error {
	return s.upsert(record)
}

func (s *MemoryStore) RecordClosed(ctx context.Context, record *Record) error {
	return s.upsert(record)
}

func (s *MemoryStore) upsert(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[recordKey(record.NamespaceID, record.RunID)] = &clone
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, namespaceID, runID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey(namespaceID, runID)]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, namespaceID string, pageSize int, token string) (*Page, error) {
	return s.list(namespaceID, pageSize, token, true)
}

func (s *MemoryStore) ListClosed(ctx context.Context, namespaceID string, pageSize int, token string) (*Page, error) {
	return s.list(namespaceID, pageSize, token, false)
}

func (s *MemoryStore) list(namespaceID string, pageSize int, token string, open bool) (*Page, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	s.mu.RLock()
	matches := make([]*Record, 0)
	for _, record := range s.records {
		if record.NamespaceID != namespaceID {
			continue
		}
		if open != record.CloseTime.IsZero() {
			continue
		}
		clone := *record
		matches = append(matches, &clone)
	}
	s.mu.RUnlock()

	sortTime := func(r *Record) int64 {
		if open {
			return r.StartTime.UnixNano()
		}
		return r.CloseTime.UnixNano()
	}

	sort.Slice(matches, func(i, j int) bool {
		if sortTime(matches[i]) != sortTime(matches[j]) {
			return sortTime(matches[i]) > sortTime(matches[j])
		}
		return matches[i].RunID > matches[j].RunID
	})

	if token != "" {
		cursor, err := decodePageToken(token)
		if err != nil {
			return nil, err
		}
		cursorTime := cursor.Time.UnixNano()
		filtered := matches[:0]
		for _, record := range matches {
			t := sortTime(record)
			if t < cursorTime || (t == cursorTime && record.RunID < cursor.RunID) {
				filtered = append(filtered, record)
			}
		}
		matches = filtered
	}

	page := &Page{}
	if len(matches) > pageSize {
		matches = matches[:pageSize]
		last := matches[len(matches)-1]
		t := last.CloseTime
		if open {
			t = last.StartTime
		}
		page.NextPageToken = encodePageToken(t, last.RunID)
	}
	page.Records = matches
	return page, nil
}

func (s *MemoryStore) DeleteExecution(ctx context.Context, namespaceID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(namespaceID, runID))
	return nil
}
