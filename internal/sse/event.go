// Package sse manages server-sent event connections for streaming
// agent progress: a capacity-bounded connection registry with
// keep-alive probes and one live connection per session.
package sse

// Event types emitted over a streaming query connection. A stream
// opens with metadata, carries any number of progress events, and ends
// with result+done on success or error on failure.
const (
	EventMetadata    = "metadata"
	EventProgress    = "progress"
	EventToolUse     = "tool_use"
	EventToolResult  = "tool_result"
	EventThinking    = "thinking"
	EventStreamChunk = "stream_chunk"
	EventCacheHit    = "cache_hit"
	EventResult      = "result"
	EventDone        = "done"
	EventError       = "error"
	EventShutdown    = "server_shutdown"
)

// Event is one server-sent event. Data is serialized to JSON.
type Event struct {
	Type string
	Data any
}
