// Package mcp implements a JSON-RPC 2.0 client for MCP tool servers
// over streamable HTTP, and a catalog that merges the tools of several
// servers behind a single dispatch surface.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaydev/relay/pkg/models"
)

// SecretHeader carries the shared secret to MCP servers that require one.
const SecretHeader = "X-MCP-Secret"

// JSONRPCRequest is a JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response envelope.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// ClientConfig configures a connection to one MCP server.
type ClientConfig struct {
	// Name identifies the server in logs and routing.
	Name string

	// URL is the server's streamable HTTP endpoint.
	URL string

	// Secret, when non-empty, is sent in the X-MCP-Secret header.
	Secret string

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration
}

// Client talks JSON-RPC 2.0 to a single MCP server over HTTP.
type Client struct {
	config ClientConfig
	client *http.Client
}

// NewClient creates a client for the given server.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.config.Name
}

// Call sends a JSON-RPC request and returns the result payload.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if c.config.Secret != "" {
		httpReq.Header.Set(SecretHeader, c.config.Secret)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp JSONRPCResponse
	if err := decodeResponse(resp, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// decodeResponse handles both plain JSON bodies and the single-event
// SSE framing some streamable HTTP servers answer with.
func decodeResponse(resp *http.Response, out *JSONRPCResponse) error {
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		return json.NewDecoder(resp.Body).Decode(out)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), out); err == nil && (out.Result != nil || out.Error != nil) {
				return nil
			}
		}
	}
	return fmt.Errorf("no JSON-RPC response in event stream")
}

type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ListTools fetches the server's tool catalog, normalizing entries that
// omit a description or input schema.
func (c *Client) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	result, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list on %s: %w", c.config.Name, err)
	}

	var parsed listToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	tools := make([]models.ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		desc := t.Description
		if desc == "" {
			desc = "MCP tool: " + t.Name
		}
		schema := t.InputSchema
		if len(schema) == 0 || string(schema) == "null" {
			schema = emptyObjectSchema
		}
		tools = append(tools, models.ToolDescriptor{
			Name:        t.Name,
			Description: desc,
			InputSchema: schema,
		})
	}
	return tools, nil
}

type callToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// CallTool invokes a tool and returns the joined text content. The
// returned bool mirrors the server's isError flag.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	result, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return "", false, fmt.Errorf("tools/call %s on %s: %w", name, c.config.Name, err)
	}

	var parsed callToolResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", false, fmt.Errorf("parse tools/call result: %w", err)
	}

	var parts []string
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), parsed.IsError, nil
}
