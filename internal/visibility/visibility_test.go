package visibility

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/linkflow/core/internal/history/types"
)

func seedRecords(t *testing.T, s *MemoryStore, n int, closed bool) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		record := &Record{
			NamespaceID:  "ns-1",
			WorkflowID:   fmt.Sprintf("wf-%d", i),
			RunID:        fmt.Sprintf("run-%03d", i),
			WorkflowType: "test",
			StartTime:    base.Add(time.Duration(i) * time.Minute),
			Status:       types.ExecutionStatusRunning,
		}
		if closed {
			record.CloseTime = base.Add(time.Duration(i)*time.Minute + 30*time.Second)
			record.Status = types.ExecutionStatusCompleted
		}
		if err := s.RecordStarted(ctx, record); err != nil {
			t.Fatalf("RecordStarted error = %v", err)
		}
	}
}

// Keyset pagination must visit each record exactly once and return an empty
// token on the last page.
func TestMemoryStore_ListOpenPagination(t *testing.T) {
	s := NewMemoryStore()
	seedRecords(t, s, 25, false)
	ctx := context.Background()

	seen := make(map[string]int)
	token := ""
	pages := 0
	for {
		page, err := s.ListOpen(ctx, "ns-1", 10, token)
		if err != nil {
			t.Fatalf("ListOpen error = %v", err)
		}
		pages++
		for _, record := range page.Records {
			seen[record.RunID]++
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if len(seen) != 25 {
		t.Errorf("distinct records = %d, want 25", len(seen))
	}
	for runID, count := range seen {
		if count != 1 {
			t.Errorf("record %s visited %d times", runID, count)
		}
	}
}

func TestMemoryStore_ListOrdering(t *testing.T) {
	s := NewMemoryStore()
	seedRecords(t, s, 5, false)
	ctx := context.Background()

	page, err := s.ListOpen(ctx, "ns-1", 10, "")
	if err != nil {
		t.Fatalf("ListOpen error = %v", err)
	}
	if len(page.Records) != 5 {
		t.Fatalf("records = %d, want 5", len(page.Records))
	}
	for i := 1; i < len(page.Records); i++ {
		prev, cur := page.Records[i-1], page.Records[i]
		if cur.StartTime.After(prev.StartTime) {
			t.Errorf("records not in start_time DESC order at %d", i)
		}
	}
}

func TestMemoryStore_OpenClosedSeparation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seedRecords(t, s, 3, false)

	closed := &Record{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-closed",
		RunID:       "run-closed",
		StartTime:   time.Now().Add(-time.Hour),
		CloseTime:   time.Now(),
		Status:      types.ExecutionStatusCompleted,
	}
	s.RecordClosed(ctx, closed)

	open, _ := s.ListOpen(ctx, "ns-1", 10, "")
	if len(open.Records) != 3 {
		t.Errorf("open records = %d, want 3", len(open.Records))
	}
	closedPage, _ := s.ListClosed(ctx, "ns-1", 10, "")
	if len(closedPage.Records) != 1 {
		t.Errorf("closed records = %d, want 1", len(closedPage.Records))
	}
}

func TestPageToken_RoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)
	token := encodePageToken(at, "run-42")

	decoded, err := decodePageToken(token)
	if err != nil {
		t.Fatalf("decodePageToken error = %v", err)
	}
	if !decoded.Time.Equal(at) {
		t.Errorf("decoded time = %v, want %v", decoded.Time, at)
	}
	if decoded.RunID != "run-42" {
		t.Errorf("decoded run id = %q, want run-42", decoded.RunID)
	}
}

func TestPageToken_Invalid(t *testing.T) {
	for _, token := range []string{"garbage", "|", "2025-06-01|", "|run-1", "not-a-time|run-1"} {
		if _, err := decodePageToken(token); err == nil {
			t.Errorf("decodePageToken(%q) succeeded, want error", token)
		}
	}
}

func TestMemoryStore_GetExecution(t *testing.T) {
	s := NewMemoryStore()
	seedRecords(t, s, 1, false)
	ctx := context.Background()

	record, err := s.GetExecution(ctx, "ns-1", "run-000")
	if err != nil {
		t.Fatalf("GetExecution error = %v", err)
	}
	if record.WorkflowID != "wf-0" {
		t.Errorf("WorkflowID = %q, want wf-0", record.WorkflowID)
	}

	if _, err := s.GetExecution(ctx, "ns-1", "missing"); err != ErrExecutionNotFound {
		t.Errorf("GetExecution(missing) error = %v, want ErrExecutionNotFound", err)
	}
}
