// Package agent implements the tool-use loop that drives a model
// conversation to completion: call the model, dispatch any requested
// tools, fold the results back into the conversation, repeat.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/pkg/models"
)

// Phase identifies where a run is in its lifecycle.
type Phase string

const (
	PhaseAwaitingModel    Phase = "AWAITING_MODEL"
	PhaseModelResponded   Phase = "MODEL_RESPONDED"
	PhaseDispatchingTools Phase = "DISPATCHING_TOOLS"
	PhaseDone             Phase = "DONE"
	PhaseTruncated        Phase = "TRUNCATED"
	PhaseAborted          Phase = "ABORTED"
)

// Outcome classifies how a run ended. All outcomes except a returned
// error are successful completions from the caller's perspective.
type Outcome string

const (
	OutcomeDone          Outcome = "done"
	OutcomeTruncated     Outcome = "truncated"
	OutcomeMaxIterations Outcome = "max_iterations"
	OutcomeAborted       Outcome = "aborted"
)

const truncationNotice = "\n\n[Response truncated due to length - continue in next query]"

// Dispatcher executes tool calls requested by the model.
type Dispatcher interface {
	// Tools returns the descriptors advertised to the model.
	Tools() []models.ToolDescriptor

	// Dispatch runs one tool call, bounded by timeout.
	Dispatch(ctx context.Context, call models.ToolCall, timeout time.Duration) (string, error)
}

// Config bounds the loop.
type Config struct {
	Model         string
	MaxTokens     int64
	MaxIterations int

	// HistoryTail caps how many prior messages are replayed to the
	// model. The persisted history may be longer.
	HistoryTail int

	// ToolTimeout bounds each individual tool dispatch.
	ToolTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Model:         "claude-sonnet-4-5",
		MaxTokens:     4096,
		MaxIterations: 15,
		HistoryTail:   10,
		ToolTimeout:   60 * time.Second,
	}
}

func (c Config) sanitized() Config {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.HistoryTail <= 0 {
		c.HistoryTail = d.HistoryTail
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	return c
}

// Request describes one query to run.
type Request struct {
	Prompt    string
	SessionID string

	// System overrides the profile system prompt when non-empty.
	System string

	// Context is injected as a leading user message, one sorted
	// "key: value" line per entry.
	Context map[string]any

	// History is the prior conversation; only the configured tail is
	// replayed to the model.
	History []models.Message
}

// Callbacks receive streaming progress during a run. Any field may be
// nil. OnToolUse and OnToolResult may be invoked concurrently, one
// goroutine per tool call in a batch, and must be safe for that.
type Callbacks struct {
	OnPhase      func(phase Phase, iteration int)
	OnToolUse    func(call models.ToolCall)
	OnToolResult func(result models.ToolResult, elapsed time.Duration)
	OnThinking   func(text string)
	OnChunk      func(text string)
	OnCacheHit   func(readTokens int64)
}

func (cb Callbacks) phase(p Phase, iteration int) {
	if cb.OnPhase != nil {
		cb.OnPhase(p, iteration)
	}
}

func (cb Callbacks) toolUse(call models.ToolCall) {
	if cb.OnToolUse != nil {
		cb.OnToolUse(call)
	}
}

func (cb Callbacks) toolResult(result models.ToolResult, elapsed time.Duration) {
	if cb.OnToolResult != nil {
		cb.OnToolResult(result, elapsed)
	}
}

func (cb Callbacks) thinking(text string) {
	if cb.OnThinking != nil {
		cb.OnThinking(text)
	}
}

func (cb Callbacks) chunk(text string) {
	if cb.OnChunk != nil {
		cb.OnChunk(text)
	}
}

func (cb Callbacks) cacheHit(readTokens int64) {
	if cb.OnCacheHit != nil {
		cb.OnCacheHit(readTokens)
	}
}

// Result is the outcome of a completed run.
type Result struct {
	Text       string
	Outcome    Outcome
	Iterations int
	Usage      models.TokenCounters
	ToolsUsed  []string
}

// Loop runs the agent conversation cycle.
type Loop struct {
	model      ModelClient
	dispatcher Dispatcher
	config     Config
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewLoop creates a loop. metrics may be nil in tests.
func NewLoop(model ModelClient, dispatcher Dispatcher, config Config, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	return &Loop{
		model:      model,
		dispatcher: dispatcher,
		config:     config.sanitized(),
		logger:     logger,
		metrics:    metrics,
	}
}

// Run drives the conversation until the model stops requesting tools,
// the iteration budget is exhausted, or a fatal error occurs. Tool
// failures are not fatal: each failed call becomes an error-flagged
// tool_result and the model decides how to proceed.
func (l *Loop) Run(ctx context.Context, req Request, cb Callbacks) (*Result, error) {
	msgs := l.buildInitialMessages(req)

	result := &Result{}
	toolsUsed := map[string]bool{}
	aborted := false

loop:
	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		result.Iterations = iteration
		cb.phase(PhaseAwaitingModel, iteration)

		resp, err := l.callModel(ctx, req.System, msgs)
		if err != nil {
			apiErr := wrapModelError(err)
			if l.metrics != nil {
				l.metrics.RecordError("agent", "model_api")
			}
			l.logger.Error(ctx, "model call failed",
				"iteration", iteration, "status", apiErr.Status, "error", err)
			return nil, apiErr
		}
		cb.phase(PhaseModelResponded, iteration)

		usage := models.Usage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		}
		result.Usage.Add(usage)
		if usage.CacheReadInputTokens > 0 {
			cb.cacheHit(usage.CacheReadInputTokens)
		}

		assistant := decodeMessage(resp)
		for _, block := range resp.Content {
			if block.Type == "thinking" {
				cb.thinking(block.Thinking)
			}
		}

		switch resp.StopReason {
		case anthropic.StopReasonEndTurn:
			text := assistant.Text()
			cb.chunk(text)
			result.Text = text
			result.Outcome = OutcomeDone
			result.ToolsUsed = sortedKeys(toolsUsed)
			cb.phase(PhaseDone, iteration)
			return result, nil

		case anthropic.StopReasonToolUse:
			cb.phase(PhaseDispatchingTools, iteration)
			calls := toolCalls(assistant)
			for _, call := range calls {
				toolsUsed[call.Name] = true
			}
			results := l.dispatchAll(ctx, calls, cb)

			msgs = append(msgs, messageParam(assistant))
			msgs = append(msgs, toolResultsParam(results))

		case anthropic.StopReasonMaxTokens:
			text := assistant.Text() + truncationNotice
			cb.chunk(text)
			result.Text = text
			result.Outcome = OutcomeTruncated
			result.ToolsUsed = sortedKeys(toolsUsed)
			cb.phase(PhaseTruncated, iteration)
			return result, nil

		default:
			// Unknown stop reason: abort the turn and fall through to
			// the iteration-limit return.
			l.logger.Warn(ctx, "unexpected stop reason, aborting run",
				"stop_reason", string(resp.StopReason), "iteration", iteration)
			aborted = true
			cb.phase(PhaseAborted, iteration)
			break loop
		}
	}

	text := fmt.Sprintf("Reached maximum iterations (%d). The task may require breaking into smaller steps.", l.config.MaxIterations)
	result.Text = text
	result.Outcome = OutcomeMaxIterations
	if aborted {
		result.Outcome = OutcomeAborted
	}
	result.ToolsUsed = sortedKeys(toolsUsed)
	if !aborted {
		cb.phase(PhaseDone, result.Iterations)
	}
	return result, nil
}

// buildInitialMessages assembles the context injection, the history
// tail, and the prompt.
func (l *Loop) buildInitialMessages(req Request) []anthropic.MessageParam {
	var msgs []anthropic.MessageParam

	if len(req.Context) > 0 {
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(contextMessage(req.Context))))
	}

	history := req.History
	if l.config.HistoryTail > 0 && len(history) > l.config.HistoryTail {
		history = history[len(history)-l.config.HistoryTail:]
	}
	for _, m := range history {
		msgs = append(msgs, messageParam(m))
	}

	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))
	return msgs
}

// contextMessage renders session context as one sorted key-value line
// per entry.
func contextMessage(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[Context from Claude Code]\n")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		if s, ok := ctx[k].(string); ok {
			b.WriteString(s)
		} else if data, err := json.Marshal(ctx[k]); err == nil {
			b.Write(data)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (l *Loop) callModel(ctx context.Context, system string, msgs []anthropic.MessageParam) (*anthropic.Message, error) {
	if system == "" {
		system = SystemPrompt("")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.config.Model),
		MaxTokens: l.config.MaxTokens,
		Messages:  msgs,
		System: []anthropic.TextBlockParam{{
			Text:         system,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}},
		ToolChoice: anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}},
	}
	if tools := encodeTools(l.dispatcher.Tools()); len(tools) > 0 {
		params.Tools = tools
	}

	start := time.Now()
	resp, err := l.model.New(ctx, params)
	if l.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		var in, out, cacheRead, cacheCreated int64
		if resp != nil {
			in = resp.Usage.InputTokens
			out = resp.Usage.OutputTokens
			cacheRead = resp.Usage.CacheReadInputTokens
			cacheCreated = resp.Usage.CacheCreationInputTokens
		}
		l.metrics.RecordModelRequest(l.config.Model, status, time.Since(start).Seconds(), in, out, cacheRead, cacheCreated)
	}
	return resp, err
}

// dispatchAll fans tool calls out concurrently and returns one result
// per call, in the order the model requested them. A failed dispatch
// becomes an error-flagged result rather than dropping the slot, which
// would desynchronize the tool_use/tool_result pairing.
func (l *Loop) dispatchAll(ctx context.Context, calls []models.ToolCall, cb Callbacks) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			cb.toolUse(tc)
			start := time.Now()

			content, err := l.dispatcher.Dispatch(ctx, tc, l.config.ToolTimeout)
			elapsed := time.Since(start)
			if err != nil {
				results[idx] = models.ToolResult{
					ToolUseID: tc.ID,
					Content:   "Error: " + err.Error(),
					IsError:   true,
				}
				if l.metrics != nil {
					l.metrics.RecordToolExecution(tc.Name, "error", elapsed.Seconds())
				}
				l.logger.Warn(ctx, "tool dispatch failed",
					"tool", tc.Name, "tool_use_id", tc.ID, "error", err)
			} else {
				results[idx] = models.ToolResult{ToolUseID: tc.ID, Content: content}
				if l.metrics != nil {
					l.metrics.RecordToolExecution(tc.Name, "success", elapsed.Seconds())
				}
			}
			cb.toolResult(results[idx], elapsed)
		}(i, call)
	}

	wg.Wait()
	return results
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
