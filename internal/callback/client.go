package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventTypeExecutionStarted   EventType = "execution.started"
	EventTypeExecutionCompleted EventType = "execution.completed"
	EventTypeExecutionFailed    EventType = "execution.failed"
	EventTypeExecutionCanceled  EventType = "execution.canceled"
	EventTypeNodeStarted        EventType = "node.started"
	EventTypeNodeCompleted      EventType = "node.completed"
	EventTypeNodeFailed         EventType = "node.failed"
)

// Payload is the body posted to the control plane. Delivery is
// at-least-once; receivers deduplicate on (execution_id, event, timestamp).
type Payload struct {
	Event       EventType      `json:"event"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkspaceID string         `json:"workspace_id"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	RunID       string         `json:"run_id"`
	Data        map[string]any `json:"data,omitempty"`
}

type asyncItem struct {
	url     string
	payload *Payload
	attempt int
}

type Config struct {
	Timeout        time.Duration
	SecretKey      string
	AsyncQueueSize int // 0 = sync only
	MaxRetries     int
	RetryDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		AsyncQueueSize: 100,
		MaxRetries:     3,
		RetryDelay:     time.Second,
	}
}

// Client delivers signed callbacks, synchronously or through a bounded async
// queue with a single background drain. Callbacks are never on the decision
// path: a failed delivery must not block state progression.
type Client struct {
	httpClient *http.Client
	secretKey  string
	logger     *slog.Logger
	asyncQueue chan *asyncItem
	maxRetries int
	retryDelay time.Duration

	closed  bool
	mu      sync.Mutex
	drainWG sync.WaitGroup
	retryWG sync.WaitGroup
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		secretKey:  cfg.SecretKey,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}

	if cfg.AsyncQueueSize > 0 {
		c.asyncQueue = make(chan *asyncItem, cfg.AsyncQueueSize)
		c.drainWG.Add(1)
		go c.asyncWorker()
	}

	return c
}

// Send posts a callback synchronously. Non-2xx responses are failures.
func (c *Client) Send(ctx context.Context, callbackURL string, payload *Payload) error {
	if callbackURL == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}

	timestamp := payload.Timestamp.UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-LinkFlow-Event", string(payload.Event))
	req.Header.Set("X-LinkFlow-Timestamp", timestamp)

	if c.secretKey != "" {
		req.Header.Set("X-LinkFlow-Signature", Sign(c.secretKey, timestamp, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("callback request failed",
			slog.String("url", callbackURL),
			slog.String("event", string(payload.Event)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 || resp.StatusCode < 200 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("callback returned error",
			slog.String("url", callbackURL),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	return nil
}

// SendAsync enqueues a callback for background delivery. When the queue is
// full or the client has no async worker, it falls back to a synchronous
// send.
func (c *Client) SendAsync(callbackURL string, payload *Payload) error {
	if callbackURL == "" {
		return nil
	}
	if c.asyncQueue == nil {
		return c.Send(context.Background(), callbackURL, payload)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.Send(context.Background(), callbackURL, payload)
	}

	select {
	case c.asyncQueue <- &asyncItem{url: callbackURL, payload: payload}:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.logger.Warn("async callback queue full, sending synchronously",
			slog.String("url", callbackURL),
			slog.String("event", string(payload.Event)),
		)
		return c.Send(context.Background(), callbackURL, payload)
	}
}

func (c *Client) asyncWorker() {
	defer c.drainWG.Done()

	for item := range c.asyncQueue {
		ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
		err := c.Send(ctx, item.url, item.payload)
		cancel()

		if err == nil {
			continue
		}

		item.attempt++
		if item.attempt >= c.maxRetries {
			c.logger.Error("async callback failed after max retries",
				slog.String("url", item.url),
				slog.String("event", string(item.payload.Event)),
				slog.Int("attempts", item.attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.retryWG.Add(1)
		go func(item *asyncItem) {
			defer c.retryWG.Done()
			time.Sleep(c.retryDelay * time.Duration(item.attempt))

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
				defer cancel()
				if err := c.Send(ctx, item.url, item.payload); err != nil {
					c.logger.Error("callback retry after close failed",
						slog.String("url", item.url),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			select {
			case c.asyncQueue <- item:
			default:
				c.logger.Error("failed to re-queue callback for retry",
					slog.String("url", item.url),
					slog.String("event", string(item.payload.Event)),
					slog.Int("attempt", item.attempt),
				)
			}
			c.mu.Unlock()
		}(item)
	}
}

// Close stops accepting async callbacks and drains the queue.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.retryWG.Wait()
	if c.asyncQueue != nil {
		close(c.asyncQueue)
		c.drainWG.Wait()
	}
}

// Sign computes hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a received signature against the payload.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *Client) NotifyExecutionStarted(callbackURL, workspaceID, workflowID, executionID, runID string, input map[string]any) error {
	return c.SendAsync(callbackURL, &Payload{
		Event:       EventTypeExecutionStarted,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		RunID:       runID,
		Data:        map[string]any{"input": input},
	})
}

func (c *Client) NotifyExecutionCompleted(callbackURL, workspaceID, workflowID, executionID, runID string, duration time.Duration) error {
	return c.SendAsync(callbackURL, &Payload{
		Event:       EventTypeExecutionCompleted,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		RunID:       runID,
		Data:        map[string]any{"duration_ms": duration.Milliseconds()},
	})
}

func (c *Client) NotifyExecutionFailed(callbackURL, workspaceID, workflowID, executionID, runID, errorCode, errorMsg, failedNode string) error {
	return c.SendAsync(callbackURL, &Payload{
		Event:       EventTypeExecutionFailed,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		RunID:       runID,
		Data: map[string]any{
			"error_code":    errorCode,
			"error_message": errorMsg,
			"failed_node":   failedNode,
		},
	})
}

func (c *Client) NotifyExecutionCanceled(callbackURL, workspaceID, workflowID, executionID, runID, reason string) error {
	return c.SendAsync(callbackURL, &Payload{
		Event:       EventTypeExecutionCanceled,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		RunID:       runID,
		Data:        map[string]any{"reason": reason},
	})
}

func (c *Client) NotifyNodeCompleted(callbackURL, workspaceID, workflowID, executionID, runID, nodeID, nodeType string) error {
	return c.SendAsync(callbackURL, &Payload{
		Event:       EventTypeNodeCompleted,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		RunID:       runID,
		Data: map[string]any{
			"node_id":   nodeID,
			"node_type": nodeType,
		},
	})
}

func (c *Client) NotifyNodeFailed(callbackURL, workspaceID, workflowID, executionID, runID, nodeID, nodeType, errorMsg string, attempt int32, willRetry bool) error {
	return c.SendAsync(callbackURL, &Payload{
		Event:       EventTypeNodeFailed,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		RunID:       runID,
		Data: map[string]any{
			"node_id":       nodeID,
			"node_type":     nodeType,
			"error_message": errorMsg,
			"attempt":       attempt,
			"will_retry":    willRetry,
		},
	})
}
