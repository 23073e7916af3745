package frontend

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/linkflow/core/internal/execution"
	"github.com/linkflow/core/internal/execution/graph"
	"github.com/linkflow/core/internal/history/types"
	"github.com/linkflow/core/internal/matching"
	"github.com/linkflow/core/internal/visibility"
)

// Service is the control-plane-facing RPC surface, served as HTTP/JSON.
type Service struct {
	engine      *execution.Engine
	visibility  visibility.Store
	bearerToken string
	logger      *slog.Logger
}

type Config struct {
	BearerToken string
	Logger      *slog.Logger
}

func NewService(engine *execution.Engine, vis visibility.Store, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		engine:      engine,
		visibility:  vis,
		bearerToken: cfg.BearerToken,
		logger:      cfg.Logger,
	}
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Route("/api/v1/namespaces/{namespace}", func(r chi.Router) {
		r.Post("/workflows/{workflowID}/start", s.handleStartWorkflow)
		r.Get("/executions", s.handleListExecutions)
		r.Route("/executions/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetExecution)
			r.Post("/cancel", s.handleCancelExecution)
			r.Post("/retry", s.handleRetryExecution)
			r.Post("/signal", s.handleSendSignal)
		})
	})

	return r
}

func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startWorkflowBody struct {
	RequestID     string                    `json:"request_id"`
	WorkflowType  string                    `json:"workflow_type"`
	Definition    *graph.WorkflowDefinition `json:"definition"`
	Input         json.RawMessage           `json:"input,omitempty"`
	CallbackURL   string                    `json:"callback_url,omitempty"`
	Credentials   string                    `json:"credentials,omitempty"`
	Memo          map[string]string         `json:"memo,omitempty"`
}

type startWorkflowResponse struct {
	RunID   string `json:"run_id"`
	Started bool   `json:"started"`
}

func (s *Service) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	workflowID := chi.URLParam(r, "workflowID")

	var body startWorkflowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := s.engine.StartWorkflow(r.Context(), &execution.StartWorkflowRequest{
		NamespaceID:  namespace,
		WorkflowID:   workflowID,
		RequestID:    body.RequestID,
		WorkflowType: body.WorkflowType,
		Definition:   body.Definition,
		Input:        body.Input,
		CallbackURL:  body.CallbackURL,
		Credentials:  body.Credentials,
		Memo:         body.Memo,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startWorkflowResponse{
		RunID:   resp.RunID,
		Started: resp.Started,
	})
}

type executionResponse struct {
	NamespaceID   string    `json:"namespace_id"`
	WorkflowID    string    `json:"workflow_id"`
	RunID         string    `json:"run_id"`
	WorkflowType  string    `json:"workflow_type"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	CloseTime     time.Time `json:"close_time,omitzero"`
	FailedNodeID  string    `json:"failed_node_id,omitempty"`
	HistoryLength int64     `json:"history_length"`
}

func (s *Service) resolveKey(r *http.Request) (types.ExecutionKey, error) {
	namespace := chi.URLParam(r, "namespace")
	runID := chi.URLParam(r, "runID")

	record, err := s.visibility.GetExecution(r.Context(), namespace, runID)
	if err != nil {
		return types.ExecutionKey{}, err
	}
	return types.ExecutionKey{
		NamespaceID: namespace,
		WorkflowID:  record.WorkflowID,
		RunID:       runID,
	}, nil
}

func (s *Service) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	key, err := s.resolveKey(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	details, err := s.engine.GetExecution(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, executionResponse{
		NamespaceID:   key.NamespaceID,
		WorkflowID:    key.WorkflowID,
		RunID:         key.RunID,
		WorkflowType:  details.WorkflowType,
		Status:        details.Status.String(),
		StartTime:     details.StartTime,
		CloseTime:     details.CloseTime,
		FailedNodeID:  details.FailedNodeID,
		HistoryLength: details.HistoryLength,
	})
}

func (s *Service) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	key, err := s.resolveKey(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	if err := s.engine.CancelExecution(r.Context(), key, body.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	key, err := s.resolveKey(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp, err := s.engine.RetryExecution(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startWorkflowResponse{
		RunID:   resp.RunID,
		Started: resp.Started,
	})
}

func (s *Service) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	key, err := s.resolveKey(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	var body struct {
		SignalName string          `json:"signal_name"`
		Input      json.RawMessage `json:"input,omitempty"`
		Identity   string          `json:"identity,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.SignalName == "" {
		writeError(w, http.StatusBadRequest, "signal_name is required")
		return
	}

	if err := s.engine.SendSignal(r.Context(), key, body.SignalName, body.Input, body.Identity); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listResponse struct {
	Executions    []executionResponse `json:"executions"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

func (s *Service) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	pageSize := 100
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid page_size")
			return
		}
		pageSize = n
	}
	pageToken := r.URL.Query().Get("page_token")

	var page *visibility.Page
	var err error
	switch r.URL.Query().Get("status") {
	case "", "open":
		page, err = s.visibility.ListOpen(r.Context(), namespace, pageSize, pageToken)
	case "closed":
		page, err = s.visibility.ListClosed(r.Context(), namespace, pageSize, pageToken)
	default:
		writeError(w, http.StatusBadRequest, "status must be open or closed")
		return
	}
	if err != nil {
		if errors.Is(err, visibility.ErrInvalidPageToken) {
			writeError(w, http.StatusBadRequest, "invalid page_token")
			return
		}
		s.writeEngineError(w, err)
		return
	}

	resp := listResponse{NextPageToken: page.NextPageToken}
	for _, record := range page.Records {
		resp.Executions = append(resp.Executions, executionResponse{
			NamespaceID:   record.NamespaceID,
			WorkflowID:    record.WorkflowID,
			RunID:         record.RunID,
			WorkflowType:  record.WorkflowType,
			Status:        record.Status.String(),
			StartTime:     record.StartTime,
			CloseTime:     record.CloseTime,
			HistoryLength: record.HistoryLength,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrExecutionNotFound),
		errors.Is(err, visibility.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, execution.ErrInvalidWorkflow):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, execution.ErrWorkflowNotRunning),
		errors.Is(err, execution.ErrNotTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, matching.ErrRateLimited),
		errors.Is(err, matching.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
