package callback

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	secret := "shh"
	timestamp := time.Now().UTC().Format(time.RFC3339)
	body := []byte(`{"event":"execution.completed"}`)

	sig := Sign(secret, timestamp, body)
	if !Verify(secret, timestamp, body, sig) {
		t.Error("Verify rejected a valid signature")
	}
	if Verify(secret, timestamp, body, sig+"00") {
		t.Error("Verify accepted a tampered signature")
	}
	if Verify("other", timestamp, body, sig) {
		t.Error("Verify accepted a signature under the wrong secret")
	}
	if Verify(secret, timestamp, append(body, '!'), sig) {
		t.Error("Verify accepted a signature over a different body")
	}
}

func TestClient_SendSignedPayload(t *testing.T) {
	type received struct {
		event     string
		timestamp string
		signature string
		body      []byte
	}
	got := make(chan received, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			event:     r.Header.Get("X-LinkFlow-Event"),
			timestamp: r.Header.Get("X-LinkFlow-Timestamp"),
			signature: r.Header.Get("X-LinkFlow-Signature"),
			body:      body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.SecretKey = "shared-secret"
	cfg.AsyncQueueSize = 0
	client := NewClient(cfg, nil)

	payload := &Payload{
		Event:       EventTypeExecutionCompleted,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: "ws-1",
		WorkflowID:  "wf-1",
		ExecutionID: "run-1",
		RunID:       "run-1",
		Data:        map[string]any{"duration_ms": 1200},
	}

	if err := client.Send(t.Context(), server.URL, payload); err != nil {
		t.Fatalf("Send error = %v", err)
	}

	r := <-got
	if r.event != string(EventTypeExecutionCompleted) {
		t.Errorf("event header = %q", r.event)
	}
	if !Verify("shared-secret", r.timestamp, r.body, r.signature) {
		t.Error("delivered signature does not verify")
	}

	var decoded Payload
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("body unmarshal error = %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Event != EventTypeExecutionCompleted {
		t.Errorf("decoded payload = %+v", decoded)
	}
}

func TestClient_Non2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{Timeout: time.Second}, nil)
	err := client.Send(t.Context(), server.URL, &Payload{
		Event:     EventTypeExecutionFailed,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		t.Error("Send on 502 should fail")
	}
}

func TestClient_EmptyURLIsNoop(t *testing.T) {
	client := NewClient(Config{Timeout: time.Second}, nil)
	if err := client.Send(t.Context(), "", &Payload{}); err != nil {
		t.Errorf("Send with empty URL error = %v", err)
	}
}

func TestClient_AsyncDeliveryAndClose(t *testing.T) {
	var mu sync.Mutex
	count := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.AsyncQueueSize = 10
	client := NewClient(cfg, nil)

	for i := 0; i < 5; i++ {
		if err := client.SendAsync(server.URL, &Payload{
			Event:     EventTypeNodeCompleted,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("SendAsync error = %v", err)
		}
	}

	// Close drains the queue.
	client.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("delivered = %d, want 5", count)
	}
}

func TestClient_AsyncRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.AsyncQueueSize = 10
	cfg.RetryDelay = 10 * time.Millisecond
	client := NewClient(cfg, nil)

	if err := client.SendAsync(server.URL, &Payload{
		Event:     EventTypeExecutionStarted,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SendAsync error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client.Close()

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Errorf("attempts = %d, want at least 2 (retry after failure)", attempts)
	}
}
