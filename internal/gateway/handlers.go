package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaydev/relay/internal/agent"
	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/internal/sse"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/pkg/models"
)

// queryRequest is the body accepted by /query and /query/stream.
type queryRequest struct {
	Prompt    string         `json:"prompt"`
	SessionID string         `json:"session_id"`
	System    string         `json:"system"`
	Context   map[string]any `json:"context"`
}

// queryData is the success payload for a completed query.
type queryData struct {
	Result     string   `json:"result"`
	SessionID  string   `json:"session_id"`
	Outcome    string   `json:"outcome"`
	ToolsUsed  []string `json:"tools_used"`
	Iterations int      `json:"iterations"`
}

func decodeQueryRequest(r *http.Request) (*queryRequest, error) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return &req, nil
}

// prepareRun loads the session, folds any caller-supplied context into
// it, and builds the loop request.
func (s *Server) prepareRun(ctx context.Context, req *queryRequest) (agent.Request, error) {
	sess, err := s.store.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return agent.Request{}, err
	}
	if len(req.Context) > 0 {
		if err := s.store.UpdateContext(ctx, req.SessionID, req.Context); err != nil {
			return agent.Request{}, err
		}
		if sess.Context == nil {
			sess.Context = make(map[string]any, len(req.Context))
		}
		for k, v := range req.Context {
			sess.Context[k] = v
		}
	}
	system := req.System
	if system == "" {
		system = agent.SystemPrompt(s.config.Profile)
	}
	return agent.Request{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		System:    system,
		Context:   sess.Context,
		History:   sess.History,
	}, nil
}

// persistRun appends the prompt and the final answer to the session.
// Usage is attached to the assistant turn. Persistence is detached
// from the request context: a client that disconnected mid-run still
// gets its completed turn written to the durable store.
func (s *Server) persistRun(ctx context.Context, sessionID, prompt string, result *agent.Result) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.AddMessage(ctx, sessionID, models.UserText(prompt), models.Usage{}); err != nil {
		s.logger.Error(ctx, "failed to persist user turn", "error", err)
		return
	}
	usage := models.Usage{
		InputTokens:              result.Usage.Input,
		OutputTokens:             result.Usage.Output,
		CacheCreationInputTokens: result.Usage.CacheCreated,
		CacheReadInputTokens:     result.Usage.CacheRead,
	}
	if err := s.store.AddMessage(ctx, sessionID, models.AssistantText(result.Text), usage); err != nil {
		s.logger.Error(ctx, "failed to persist assistant turn", "error", err)
	}
	s.refreshSessionGauge(ctx)
}

// refreshSessionGauge republishes the live session count after any
// operation that changes it.
func (s *Server) refreshSessionGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if stats, err := s.store.Stats(ctx); err == nil {
		s.metrics.ActiveSessions.Set(float64(stats.Count))
	}
}

// handleQuery runs a query to completion and answers with the final
// result.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQueryRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ctx := observability.AddSessionID(r.Context(), req.SessionID)

	runReq, err := s.prepareRun(ctx, req)
	if err != nil {
		s.logger.Error(ctx, "failed to load session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}

	start := time.Now()
	result, err := awaitRun(s.startRun(ctx, runReq), nil)
	elapsed := time.Since(start)

	if err != nil {
		s.writeRunError(ctx, w, err, elapsed)
		return
	}

	s.persistRun(ctx, req.SessionID, req.Prompt, result)
	if s.metrics != nil {
		s.metrics.RecordQuery(string(result.Outcome), elapsed.Seconds())
	}

	writeData(w, http.StatusOK, queryData{
		Result:     result.Text,
		SessionID:  req.SessionID,
		Outcome:    string(result.Outcome),
		ToolsUsed:  result.ToolsUsed,
		Iterations: result.Iterations,
	}, map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
		"tokens":     result.Usage,
	})
}

func (s *Server) writeRunError(ctx context.Context, w http.ResponseWriter, err error, elapsed time.Duration) {
	var timeoutErr *stream.TimeoutError
	var apiErr *agent.ModelAPIError
	switch {
	case errors.As(err, &timeoutErr):
		if s.metrics != nil {
			s.metrics.RecordQuery("timeout", elapsed.Seconds())
		}
		s.logger.Warn(ctx, "query timed out", "after", timeoutErr.After)
		writeError(w, http.StatusRequestTimeout, "timeout", err.Error())
	case errors.As(err, &apiErr):
		if s.metrics != nil {
			s.metrics.RecordQuery("error", elapsed.Seconds())
		}
		s.logger.Error(ctx, "query failed upstream", "status", apiErr.Status, "request_id", apiErr.RequestID, "error", err)
		writeError(w, http.StatusBadGateway, "model_api_error", err.Error())
	default:
		if s.metrics != nil {
			s.metrics.RecordQuery("error", elapsed.Seconds())
		}
		s.logger.Error(ctx, "query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// handleQueryStream runs a query while streaming progress over SSE.
// The stream opens with a metadata event, carries progress while the
// loop runs, and ends with result+done or a single error event.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQueryRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ctx := observability.AddSessionID(r.Context(), req.SessionID)

	transport, err := sse.NewHTTPTransport(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	conn, err := s.sse.Add(ctx, req.SessionID, transport)
	if err != nil {
		var capErr *sse.CapacityError
		if errors.As(err, &capErr) {
			s.logger.Warn(ctx, "rejected sse connection at capacity", "limit", capErr.Limit)
			writeError(w, http.StatusServiceUnavailable, "capacity", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	defer s.sse.Release(conn)

	runReq, err := s.prepareRun(ctx, req)
	if err != nil {
		s.logger.Error(ctx, "failed to load session", "error", err)
		s.sse.SendTo(conn, sse.Event{Type: sse.EventError, Data: map[string]any{
			"type":    "internal",
			"message": "failed to load session",
		}})
		return
	}

	s.sse.SendTo(conn, sse.Event{Type: sse.EventMetadata, Data: map[string]any{
		"session_id": req.SessionID,
		"request_id": observability.GetRequestID(ctx),
	}})

	forward := func(ev sse.Event) {
		if ev.Type == sse.EventToolUse {
			if data, ok := ev.Data.(map[string]any); ok {
				if name, ok := data["tool"].(string); ok {
					conn.RecordTool(name)
				}
			}
		}
		s.sse.SendTo(conn, ev)
	}

	start := time.Now()
	result, err := awaitRun(s.startRun(ctx, runReq), forward)
	elapsed := time.Since(start)

	if err != nil {
		s.streamRunError(ctx, conn, err, elapsed)
		return
	}

	s.persistRun(ctx, req.SessionID, req.Prompt, result)
	if s.metrics != nil {
		s.metrics.RecordQuery(string(result.Outcome), elapsed.Seconds())
	}

	s.sse.SendTo(conn, sse.Event{Type: sse.EventResult, Data: map[string]any{
		"result":     result.Text,
		"session_id": req.SessionID,
		"outcome":    string(result.Outcome),
		"tools_used": conn.ToolsUsed(),
		"iterations": result.Iterations,
		"tokens":     result.Usage,
	}})
	s.sse.SendTo(conn, sse.Event{Type: sse.EventDone, Data: map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
	}})
}

func (s *Server) streamRunError(ctx context.Context, conn *sse.Connection, err error, elapsed time.Duration) {
	var timeoutErr *stream.TimeoutError
	var apiErr *agent.ModelAPIError
	errType := "internal"
	switch {
	case errors.As(err, &timeoutErr):
		errType = "timeout"
		s.logger.Warn(ctx, "streaming query timed out", "after", timeoutErr.After)
	case errors.As(err, &apiErr):
		errType = "model_api_error"
		s.logger.Error(ctx, "streaming query failed upstream", "status", apiErr.Status, "error", err)
	default:
		s.logger.Error(ctx, "streaming query failed", "error", err)
	}
	if s.metrics != nil {
		outcome := "error"
		if errType == "timeout" {
			outcome = "timeout"
		}
		s.metrics.RecordQuery(outcome, elapsed.Seconds())
	}
	s.sse.SendTo(conn, sse.Event{Type: sse.EventError, Data: map[string]any{
		"type":    errType,
		"message": err.Error(),
	}})
}

func (s *Server) handleSSEStats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.sse.Stats(), nil)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"sessions": ids,
		"count":    stats.Count,
		"backend":  stats.Backend,
	}, nil)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeData(w, http.StatusOK, sess, nil)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.refreshSessionGauge(r.Context())
	writeData(w, http.StatusOK, map[string]any{"deleted": id}, nil)
}

// handleHealth reports liveness plus backend details. A degraded
// session backend still answers 200: the server keeps serving on the
// in-memory fallback.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	sessionBackend := "unknown"
	if stats, err := s.store.Stats(r.Context()); err == nil {
		sessionBackend = stats.Backend
	}
	if err := s.store.Healthy(r.Context()); err != nil {
		status = "degraded"
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":       status,
		"sessions":     sessionBackend,
		"mcp_backends": s.mcpBackends,
		"sse":          s.sse.Stats(),
	}, nil)
}
