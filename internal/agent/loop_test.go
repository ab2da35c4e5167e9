package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/pkg/models"
)

type stubModel struct {
	mu        sync.Mutex
	responses []*anthropic.Message
	err       error
	params    []anthropic.MessageNewParams
}

func (s *stubModel) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, body)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("stub exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

type fakeDispatcher struct {
	tools   []models.ToolDescriptor
	handler func(call models.ToolCall) (string, error)
}

func (d *fakeDispatcher) Tools() []models.ToolDescriptor {
	return d.tools
}

func (d *fakeDispatcher) Dispatch(_ context.Context, call models.ToolCall, _ time.Duration) (string, error) {
	return d.handler(call)
}

func textResponse(text string) *anthropic.Message {
	return &anthropic.Message{
		Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 100, OutputTokens: 20},
	}
}

func toolUseResponse(calls ...anthropic.ContentBlockUnion) *anthropic.Message {
	return &anthropic.Message{
		Content:    calls,
		StopReason: anthropic.StopReasonToolUse,
		Usage:      anthropic.Usage{InputTokens: 50, OutputTokens: 10},
	}
}

func toolUseBlock(id, name, input string) anthropic.ContentBlockUnion {
	return anthropic.ContentBlockUnion{Type: "tool_use", ID: id, Name: name, Input: json.RawMessage(input)}
}

func newTestLoop(model ModelClient, d Dispatcher, cfg Config) *Loop {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	return NewLoop(model, d, cfg, logger, nil)
}

func TestRunEndTurn(t *testing.T) {
	stub := &stubModel{responses: []*anthropic.Message{textResponse("the answer")}}
	loop := newTestLoop(stub, &fakeDispatcher{}, Config{})

	result, err := loop.Run(context.Background(), Request{Prompt: "question", SessionID: "s"}, Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Text != "the answer" {
		t.Fatalf("text = %q", result.Text)
	}
	if result.Iterations != 1 {
		t.Fatalf("iterations = %d", result.Iterations)
	}
	if result.Usage.Input != 100 || result.Usage.Output != 20 {
		t.Fatalf("usage = %+v", result.Usage)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	stub := &stubModel{responses: []*anthropic.Message{
		toolUseResponse(
			toolUseBlock("tu_1", "web_search", `{"query":"go generics"}`),
			toolUseBlock("tu_2", "fetch_url", `{"url":"https://go.dev"}`),
		),
		textResponse("combined answer"),
	}}
	dispatcher := &fakeDispatcher{handler: func(call models.ToolCall) (string, error) {
		return "output of " + call.Name, nil
	}}
	loop := newTestLoop(stub, dispatcher, Config{})

	// Tool callbacks fire from the dispatch goroutines, so the
	// captured slices need a lock.
	var mu sync.Mutex
	var toolUses, toolResults []string
	cb := Callbacks{
		OnToolUse: func(c models.ToolCall) {
			mu.Lock()
			toolUses = append(toolUses, c.Name)
			mu.Unlock()
		},
		OnToolResult: func(r models.ToolResult, _ time.Duration) {
			mu.Lock()
			toolResults = append(toolResults, r.ToolUseID)
			mu.Unlock()
		},
	}

	result, err := loop.Run(context.Background(), Request{Prompt: "research", SessionID: "s"}, cb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != OutcomeDone || result.Text != "combined answer" {
		t.Fatalf("result = %+v", result)
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d", result.Iterations)
	}
	if len(result.ToolsUsed) != 2 || result.ToolsUsed[0] != "fetch_url" {
		t.Fatalf("tools used = %v", result.ToolsUsed)
	}
	if len(toolUses) != 2 || len(toolResults) != 2 {
		t.Fatalf("callbacks: uses=%v results=%v", toolUses, toolResults)
	}

	// The second request must carry the assistant turn followed by a
	// user turn answering each tool_use, same ids, same order.
	if len(stub.params) != 2 {
		t.Fatalf("model called %d times", len(stub.params))
	}
	second := stub.params[1].Messages
	resultTurn := second[len(second)-1]
	if len(resultTurn.Content) != 2 {
		t.Fatalf("tool result turn has %d blocks", len(resultTurn.Content))
	}
	for i, wantID := range []string{"tu_1", "tu_2"} {
		block := resultTurn.Content[i].OfToolResult
		if block == nil {
			t.Fatalf("block %d is not a tool_result", i)
		}
		if block.ToolUseID != wantID {
			t.Fatalf("block %d tool_use_id = %q, want %q", i, block.ToolUseID, wantID)
		}
	}
}

func TestRunToolErrorIsolation(t *testing.T) {
	stub := &stubModel{responses: []*anthropic.Message{
		toolUseResponse(
			toolUseBlock("tu_1", "good_tool", `{}`),
			toolUseBlock("tu_2", "bad_tool", `{}`),
			toolUseBlock("tu_3", "good_tool", `{}`),
		),
		textResponse("recovered"),
	}}
	dispatcher := &fakeDispatcher{handler: func(call models.ToolCall) (string, error) {
		if call.Name == "bad_tool" {
			return "", errors.New("backend unreachable")
		}
		return "fine", nil
	}}
	loop := newTestLoop(stub, dispatcher, Config{})

	result, err := loop.Run(context.Background(), Request{Prompt: "go", SessionID: "s"}, Callbacks{})
	if err != nil {
		t.Fatalf("one failing tool must not fail the run: %v", err)
	}
	if result.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s", result.Outcome)
	}

	resultTurn := stub.params[1].Messages[len(stub.params[1].Messages)-1]
	if len(resultTurn.Content) != 3 {
		t.Fatalf("expected 3 tool results, got %d", len(resultTurn.Content))
	}
	failing := resultTurn.Content[1].OfToolResult
	if failing == nil || failing.ToolUseID != "tu_2" {
		t.Fatalf("failing slot misplaced: %+v", resultTurn.Content[1])
	}
	if !failing.IsError.Value {
		t.Fatal("failed dispatch not flagged is_error")
	}
}

func TestRunMaxIterations(t *testing.T) {
	responses := make([]*anthropic.Message, 0, 3)
	for i := 0; i < 3; i++ {
		responses = append(responses, toolUseResponse(toolUseBlock(fmt.Sprintf("tu_%d", i), "spin", `{}`)))
	}
	stub := &stubModel{responses: responses}
	dispatcher := &fakeDispatcher{handler: func(models.ToolCall) (string, error) { return "more", nil }}
	loop := newTestLoop(stub, dispatcher, Config{MaxIterations: 3})

	result, err := loop.Run(context.Background(), Request{Prompt: "loop forever", SessionID: "s"}, Callbacks{})
	if err != nil {
		t.Fatalf("budget exhaustion must not be an error: %v", err)
	}
	if result.Outcome != OutcomeMaxIterations {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Iterations != 3 {
		t.Fatalf("iterations = %d", result.Iterations)
	}
	want := "Reached maximum iterations (3). The task may require breaking into smaller steps."
	if result.Text != want {
		t.Fatalf("text = %q", result.Text)
	}
}

func TestRunMaxTokensTruncation(t *testing.T) {
	stub := &stubModel{responses: []*anthropic.Message{{
		Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: "partial answer"}},
		StopReason: anthropic.StopReasonMaxTokens,
		Usage:      anthropic.Usage{InputTokens: 10, OutputTokens: 4096},
	}}}
	loop := newTestLoop(stub, &fakeDispatcher{}, Config{})

	result, err := loop.Run(context.Background(), Request{Prompt: "write a book", SessionID: "s"}, Callbacks{})
	if err != nil {
		t.Fatalf("truncation must not be an error: %v", err)
	}
	if result.Outcome != OutcomeTruncated {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if !strings.HasPrefix(result.Text, "partial answer") || !strings.Contains(result.Text, "[Response truncated") {
		t.Fatalf("text = %q", result.Text)
	}
}

func TestRunUnknownStopReasonAborts(t *testing.T) {
	stub := &stubModel{responses: []*anthropic.Message{{
		Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: "odd reply"}},
		StopReason: anthropic.StopReason("pause_turn"),
		Usage:      anthropic.Usage{InputTokens: 5, OutputTokens: 2},
	}}}
	loop := newTestLoop(stub, &fakeDispatcher{}, Config{MaxIterations: 5})

	var phases []Phase
	cb := Callbacks{OnPhase: func(p Phase, _ int) { phases = append(phases, p) }}

	result, err := loop.Run(context.Background(), Request{Prompt: "hi", SessionID: "s"}, cb)
	if err != nil {
		t.Fatalf("unknown stop reason must not be an error: %v", err)
	}
	if result.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if !strings.Contains(result.Text, "Reached maximum iterations (5)") {
		t.Fatalf("text = %q", result.Text)
	}
	if len(stub.params) != 1 {
		t.Fatalf("model called %d times after abort", len(stub.params))
	}
	if phases[len(phases)-1] != PhaseAborted {
		t.Fatalf("last phase = %s", phases[len(phases)-1])
	}
}

func TestRunModelAPIError(t *testing.T) {
	stub := &stubModel{err: errors.New("upstream 529")}
	loop := newTestLoop(stub, &fakeDispatcher{}, Config{})

	_, err := loop.Run(context.Background(), Request{Prompt: "hi", SessionID: "s"}, Callbacks{})
	var apiErr *ModelAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ModelAPIError, got %v", err)
	}
}

func TestRunContextInjectionAndHistoryTail(t *testing.T) {
	stub := &stubModel{responses: []*anthropic.Message{textResponse("ok")}}
	loop := newTestLoop(stub, &fakeDispatcher{}, Config{HistoryTail: 4})

	history := make([]models.Message, 0, 12)
	for i := 0; i < 12; i++ {
		history = append(history, models.UserText(fmt.Sprintf("old-%d", i)))
	}
	req := Request{
		Prompt:    "now",
		SessionID: "s",
		Context:   map[string]any{"repo": "relay", "files": []string{"a.go"}},
		History:   history,
	}
	if _, err := loop.Run(context.Background(), req, Callbacks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// context turn + 4 history tail + prompt
	msgs := stub.params[0].Messages
	if len(msgs) != 6 {
		t.Fatalf("message count = %d, want 6", len(msgs))
	}
	ctxText := msgs[0].Content[0].OfText.Text
	if !strings.HasPrefix(ctxText, "[Context from Claude Code]\n") {
		t.Fatalf("context header missing: %q", ctxText)
	}
	// Keys render in sorted order.
	if strings.Index(ctxText, "files:") > strings.Index(ctxText, "repo:") {
		t.Fatalf("context keys not sorted: %q", ctxText)
	}
	if msgs[1].Content[0].OfText.Text != "old-8" {
		t.Fatalf("history tail wrong start: %q", msgs[1].Content[0].OfText.Text)
	}
	if msgs[5].Content[0].OfText.Text != "now" {
		t.Fatalf("prompt not last: %q", msgs[5].Content[0].OfText.Text)
	}
}

func TestRunSendsSystemPromptAndTools(t *testing.T) {
	stub := &stubModel{responses: []*anthropic.Message{textResponse("ok")}}
	dispatcher := &fakeDispatcher{tools: []models.ToolDescriptor{{
		Name:        "web_search",
		Description: "Search the web",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}}}
	loop := newTestLoop(stub, dispatcher, Config{})

	if _, err := loop.Run(context.Background(), Request{Prompt: "q", SessionID: "s", System: "custom system"}, Callbacks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	params := stub.params[0]
	if len(params.System) != 1 || params.System[0].Text != "custom system" {
		t.Fatalf("system = %+v", params.System)
	}
	if len(params.Tools) != 1 || params.Tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", params.Tools)
	}
	if params.Tools[0].OfTool.Name != "web_search" {
		t.Fatalf("tool name = %q", params.Tools[0].OfTool.Name)
	}
}
