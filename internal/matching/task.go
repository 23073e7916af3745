package matching

import (
	"fmt"
	"time"
)

// Priorities. Intermediate values in [0, 10] are permitted.
const (
	PriorityLow    int32 = 0
	PriorityNormal int32 = 5
	PriorityHigh   int32 = 10
)

// Task is one unit of dispatchable work. The deterministic ID makes dispatch
// at-most-once per scheduled event: a re-derived decision batch enqueues the
// same ID and the queue drops the duplicate.
type Task struct {
	ID          string        `json:"id"`
	Namespace   string        `json:"namespace"`
	TaskQueue   string        `json:"task_queue"`
	WorkflowID  string        `json:"workflow_id"`
	RunID       string        `json:"run_id"`
	NodeID      string        `json:"node_id"`
	TaskType    string        `json:"task_type"`
	Priority    int32         `json:"priority"`
	Payload     []byte        `json:"payload,omitempty"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	VisibleAt   time.Time     `json:"visible_at"`
	Attempts    int32         `json:"attempts"`
	MaxAttempts int32         `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`

	ScheduledEventID int64 `json:"scheduled_event_id"`
}

// TaskID builds the canonical task identity.
func TaskID(namespace, workflowID, runID, taskType string, scheduledEventID int64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", namespace, workflowID, runID, taskType, scheduledEventID)
}

func (t *Task) clampPriority() {
	if t.Priority < PriorityLow {
		t.Priority = PriorityLow
	}
	if t.Priority > PriorityHigh {
		t.Priority = PriorityHigh
	}
}

// redeliveryBackoff is the fixed redelivery schedule, capped at the last step.
var redeliveryBackoff = []time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Backoff returns the redelivery delay before the given attempt (1-based).
func Backoff(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := int(attempt) - 1
	if idx >= len(redeliveryBackoff) {
		idx = len(redeliveryBackoff) - 1
	}
	return redeliveryBackoff[idx]
}
