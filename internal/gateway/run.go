package gateway

import (
	"context"
	"time"

	"github.com/relaydev/relay/internal/agent"
	"github.com/relaydev/relay/internal/sse"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/pkg/models"
)

// runEvent is one item in the sequence produced by a query run:
// progress events as the loop advances, then exactly one terminal
// event carrying the result or the run error.
type runEvent struct {
	progress *sse.Event
	result   *agent.Result
	err      error
}

// startRun launches the agent loop on a context detached from the
// request, so a dropped client does not abort the run. The returned
// iterator applies the whole-run timeout as a sliding window: any
// progress event resets it, a silent run is cut off. Closing the
// iterator cancels the run and releases its goroutine.
func (s *Server) startRun(ctx context.Context, req agent.Request) stream.Iterator[runEvent] {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	events := make(chan runEvent, 16)
	emit := func(ev runEvent) {
		select {
		case events <- ev:
		case <-runCtx.Done():
		}
	}
	progress := func(eventType string, data map[string]any) {
		emit(runEvent{progress: &sse.Event{Type: eventType, Data: data}})
	}

	cb := agent.Callbacks{
		OnPhase: func(phase agent.Phase, iteration int) {
			progress(sse.EventProgress, map[string]any{
				"phase":     string(phase),
				"iteration": iteration,
			})
		},
		OnToolUse: func(call models.ToolCall) {
			progress(sse.EventToolUse, map[string]any{
				"id":    call.ID,
				"tool":  call.Name,
				"input": call.Input,
			})
		},
		OnToolResult: func(result models.ToolResult, elapsed time.Duration) {
			progress(sse.EventToolResult, map[string]any{
				"id":         result.ToolUseID,
				"is_error":   result.IsError,
				"elapsed_ms": elapsed.Milliseconds(),
			})
		},
		OnThinking: func(text string) {
			progress(sse.EventThinking, map[string]any{"text": text})
		},
		OnChunk: func(text string) {
			progress(sse.EventStreamChunk, map[string]any{"text": text})
		},
		OnCacheHit: func(readTokens int64) {
			progress(sse.EventCacheHit, map[string]any{"read_tokens": readTokens})
		},
	}

	go func() {
		defer close(events)
		result, err := s.runner.Run(runCtx, req, cb)
		emit(runEvent{result: result, err: err})
	}()

	src := stream.FromChannel(events, cancel)
	return stream.WithTimeout(src, s.config.Server.RunTimeout, nil)
}

// awaitRun drains the run sequence, handing each progress event to
// forward (which may be nil), until the terminal event. A forwarding
// failure does not stop the drain: the run finishes and its result is
// still returned for persistence.
func awaitRun(it stream.Iterator[runEvent], forward func(sse.Event)) (*agent.Result, error) {
	defer it.Close()
	for {
		ev, err := it.Next()
		if err != nil {
			return nil, err
		}
		if ev.progress != nil {
			if forward != nil {
				forward(*ev.progress)
			}
			continue
		}
		return ev.result, ev.err
	}
}
