package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/linkflow/core/internal/execution"
	"github.com/linkflow/core/internal/execution/graph"
	"github.com/linkflow/core/internal/history/store"
	"github.com/linkflow/core/internal/history/types"
	"github.com/linkflow/core/internal/matching"
	"github.com/linkflow/core/internal/timer"
	"github.com/linkflow/core/internal/visibility"
)

type nullDispatcher struct {
	mu    sync.Mutex
	tasks []*matching.Task
}

func (d *nullDispatcher) Enqueue(ctx context.Context, task *matching.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *nullDispatcher) RemoveTask(ctx context.Context, namespace, taskQueue, taskID string) (bool, error) {
	return true, nil
}

type nullTimers struct{}

func (nullTimers) CreateTimer(ctx context.Context, t *timer.Timer) error { return nil }
func (nullTimers) CancelTimersForExecution(ctx context.Context, key types.ExecutionKey) error {
	return nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *nullDispatcher) {
	t.Helper()

	dispatcher := &nullDispatcher{}
	vis := visibility.NewMemoryStore()
	engine := execution.NewEngine(execution.Dependencies{
		EventStore:    store.NewMemoryEventStore(),
		StateStore:    store.NewMemoryMutableStateStore(),
		StartRequests: store.NewMemoryStartRequestStore(),
		Visibility:    vis,
		Dispatcher:    dispatcher,
		Timers:        nullTimers{},
	}, execution.DefaultConfig())

	svc := NewService(engine, vis, Config{BearerToken: token})
	server := httptest.NewServer(svc.Router())
	t.Cleanup(server.Close)
	return server, dispatcher
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body error = %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func startBody(requestID string) map[string]any {
	return map[string]any{
		"request_id":    requestID,
		"workflow_type": "test",
		"definition": &graph.WorkflowDefinition{
			ID:    "wf-1",
			Nodes: []graph.NodeDef{{ID: "A", Type: "task"}},
		},
		"input": map[string]any{"x": 1},
	}
}

func TestFrontend_BearerAuth(t *testing.T) {
	server, _ := newTestServer(t, "sekrit")
	url := server.URL + "/api/v1/namespaces/ns-1/workflows/wf-1/start"

	resp := doJSON(t, http.MethodPost, url, "", startBody("r1"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, url, "wrong", startBody("r1"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, url, "sekrit", startBody("r1"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", resp.StatusCode)
	}
}

func TestFrontend_StartIsIdempotent(t *testing.T) {
	server, _ := newTestServer(t, "")
	url := server.URL + "/api/v1/namespaces/ns-1/workflows/wf-1/start"

	resp := doJSON(t, http.MethodPost, url, "", startBody("same-request"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first start status = %d", resp.StatusCode)
	}
	var first startWorkflowResponse
	json.NewDecoder(resp.Body).Decode(&first)
	if !first.Started || first.RunID == "" {
		t.Fatalf("first start = %+v", first)
	}

	resp = doJSON(t, http.MethodPost, url, "", startBody("same-request"))
	var second startWorkflowResponse
	json.NewDecoder(resp.Body).Decode(&second)
	if second.Started {
		t.Error("second start must report started=false")
	}
	if second.RunID != first.RunID {
		t.Errorf("run ids differ: %q vs %q", second.RunID, first.RunID)
	}
}

func TestFrontend_InvalidWorkflowIs422(t *testing.T) {
	server, _ := newTestServer(t, "")
	url := server.URL + "/api/v1/namespaces/ns-1/workflows/wf-bad/start"

	body := map[string]any{
		"definition": &graph.WorkflowDefinition{
			ID: "wf-bad",
			Nodes: []graph.NodeDef{
				{ID: "A", Type: "task"},
				{ID: "B", Type: "task"},
			},
			Edges: []graph.EdgeDef{
				{Source: "A", Target: "B"},
				{Source: "B", Target: "A"},
			},
		},
	}
	resp := doJSON(t, http.MethodPost, url, "", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("cyclic definition status = %d, want 422", resp.StatusCode)
	}
}

func TestFrontend_MalformedBodyIs400(t *testing.T) {
	server, _ := newTestServer(t, "")
	url := server.URL + "/api/v1/namespaces/ns-1/workflows/wf-1/start"

	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte("{not json")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
}

func TestFrontend_UnknownExecutionIs404(t *testing.T) {
	server, _ := newTestServer(t, "")
	resp := doJSON(t, http.MethodGet, server.URL+"/api/v1/namespaces/ns-1/executions/run-missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown execution status = %d, want 404", resp.StatusCode)
	}
}

func TestFrontend_GetCancelAndList(t *testing.T) {
	server, _ := newTestServer(t, "")
	base := server.URL + "/api/v1/namespaces/ns-1"

	resp := doJSON(t, http.MethodPost, base+"/workflows/wf-1/start", "", startBody("r-get"))
	var started startWorkflowResponse
	json.NewDecoder(resp.Body).Decode(&started)

	resp = doJSON(t, http.MethodGet, base+"/executions/"+started.RunID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GetExecution status = %d", resp.StatusCode)
	}
	var details executionResponse
	json.NewDecoder(resp.Body).Decode(&details)
	if details.Status != "Running" || details.WorkflowID != "wf-1" {
		t.Errorf("details = %+v", details)
	}

	resp = doJSON(t, http.MethodGet, base+"/executions?status=open", "", nil)
	var open listResponse
	json.NewDecoder(resp.Body).Decode(&open)
	if len(open.Executions) != 1 {
		t.Errorf("open executions = %d, want 1", len(open.Executions))
	}

	resp = doJSON(t, http.MethodPost, base+"/executions/"+started.RunID+"/cancel", "", map[string]string{"reason": "test"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Cancel status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, base+"/executions?status=closed", "", nil)
	var closed listResponse
	json.NewDecoder(resp.Body).Decode(&closed)
	if len(closed.Executions) != 1 || closed.Executions[0].Status != "Canceled" {
		t.Errorf("closed executions = %+v", closed.Executions)
	}
}

func TestFrontend_SignalValidation(t *testing.T) {
	server, _ := newTestServer(t, "")
	base := server.URL + "/api/v1/namespaces/ns-1"

	resp := doJSON(t, http.MethodPost, base+"/workflows/wf-sig/start", "", startBody("r-sig"))
	var started startWorkflowResponse
	json.NewDecoder(resp.Body).Decode(&started)

	resp = doJSON(t, http.MethodPost, base+"/executions/"+started.RunID+"/signal", "", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("signal without name status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, base+"/executions/"+started.RunID+"/signal", "", map[string]any{
		"signal_name": "poke",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("signal status = %d, want 204", resp.StatusCode)
	}
}

func TestFrontend_ListPagination(t *testing.T) {
	server, _ := newTestServer(t, "")
	base := server.URL + "/api/v1/namespaces/ns-1"

	for i := 0; i < 5; i++ {
		doJSON(t, http.MethodPost, fmt.Sprintf("%s/workflows/wf-%d/start", base, i), "", startBody(fmt.Sprintf("r-%d", i)))
	}

	seen := map[string]bool{}
	token := ""
	for {
		url := base + "/executions?status=open&page_size=2"
		if token != "" {
			url += "&page_token=" + token
		}
		resp := doJSON(t, http.MethodGet, url, "", nil)
		var page listResponse
		json.NewDecoder(resp.Body).Decode(&page)
		for _, e := range page.Executions {
			if seen[e.RunID] {
				t.Fatalf("run %s returned twice", e.RunID)
			}
			seen[e.RunID] = true
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	if len(seen) != 5 {
		t.Errorf("listed %d executions, want 5", len(seen))
	}
}
