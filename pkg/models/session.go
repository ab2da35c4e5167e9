package models

import "time"

// TokenCounters accumulates model token usage across a session.
type TokenCounters struct {
	Input        int64 `json:"input"`
	Output       int64 `json:"output"`
	CacheCreated int64 `json:"cache_created"`
	CacheRead    int64 `json:"cache_read"`
}

// Usage reports token consumption for a single model call.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// Add folds a single call's usage into the running counters.
func (c *TokenCounters) Add(u Usage) {
	c.Input += u.InputTokens
	c.Output += u.OutputTokens
	c.CacheCreated += u.CacheCreationInputTokens
	c.CacheRead += u.CacheReadInputTokens
}

// SessionMetadata tracks aggregate activity for a session.
type SessionMetadata struct {
	TurnCount int           `json:"turn_count"`
	ToolsUsed []string      `json:"tools_used,omitempty"`
	Tokens    TokenCounters `json:"tokens"`
}

// Session is a conversation thread with bounded history and
// caller-supplied context.
type Session struct {
	ID           string          `json:"id"`
	History      []Message       `json:"history"`
	Context      map[string]any  `json:"context,omitempty"`
	Metadata     SessionMetadata `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// RecordTool adds a tool name to the distinct tools-used set.
func (m *SessionMetadata) RecordTool(name string) {
	for _, t := range m.ToolsUsed {
		if t == name {
			return
		}
	}
	m.ToolsUsed = append(m.ToolsUsed, name)
}
