package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linkflow/core/internal/history/types"
)

var ErrExecutorNotFound = errors.New("executor not found")

// ErrorKind re-exports the engine-wide failure classification so executor
// implementations do not import history internals.
type ErrorKind = types.ErrorKind

const (
	ErrorKindRetryable    = types.ErrorKindRetryable
	ErrorKindNonRetryable = types.ErrorKindNonRetryable
	ErrorKindTimeout      = types.ErrorKindTimeout
)

// ExecuteRequest carries everything an executor gets: interpolated config,
// upstream inputs, decrypted credentials scoped to the execution, and a
// cancellable context via Execute itself.
type ExecuteRequest struct {
	NodeID        string
	NodeType      string
	Namespace     string
	WorkflowID    string
	RunID         string
	Config        json.RawMessage
	Input         json.RawMessage
	Credentials   map[string]string
	Attempt       int32
	Timeout       time.Duration
	Deterministic *types.DeterministicContext
}

// ExecError is a structured, classified node failure.
type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ExecuteResponse is a successful invocation's outcome. A nil Error with
// Output set means the node produced a result; Error set means a classified
// node-level failure (as opposed to an infrastructure error returned from
// Execute directly).
type ExecuteResponse struct {
	Output json.RawMessage
	Error  *ExecError
}

// Executor runs one node type. Implementations live outside the core; the
// engine only depends on this contract.
type Executor interface {
	NodeType() string
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

// Func adapts a plain function into an Executor.
type Func struct {
	Type string
	Fn   func(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

func (f *Func) NodeType() string { return f.Type }

func (f *Func) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	return f.Fn(ctx, req)
}

// Registry maps node types to executors.
type Registry struct {
	executors map[string]Executor
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[exec.NodeType()] = exec
}

func (r *Registry) Get(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, nodeType)
	}
	return exec, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}
