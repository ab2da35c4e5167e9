package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/pkg/models"
)

// DispatchError reports a failed tool dispatch: unknown tool, invalid
// arguments, timeout, or a transport failure reaching the backend.
type DispatchError struct {
	Tool    string
	Backend string
	Cause   error
}

func (e *DispatchError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("dispatch %s via %s: %v", e.Tool, e.Backend, e.Cause)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Tool, e.Cause)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Backend pairs a client with its catalog policy.
type Backend struct {
	Client *Client

	// Required backends fail catalog construction when unreachable.
	// Optional ones degrade to an empty tool set.
	Required bool
}

// Catalog merges the tools of several MCP servers and routes tool calls
// to the server that advertised them. Tool names must be unique across
// backends; a duplicate is a construction error since dispatch routing
// would be ambiguous.
type Catalog struct {
	tools   []models.ToolDescriptor
	routes  map[string]*Client
	schemas map[string]*jsonschema.Schema
	logger  *observability.Logger
}

// NewCatalog lists tools on every backend and builds the merged
// catalog. The aggregate tool list is stable: backends contribute in
// the given order, tools in server order.
func NewCatalog(ctx context.Context, backends []Backend, logger *observability.Logger) (*Catalog, error) {
	c := &Catalog{
		routes:  make(map[string]*Client),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}

	for _, b := range backends {
		tools, err := b.Client.ListTools(ctx)
		if err != nil {
			if b.Required {
				return nil, fmt.Errorf("required MCP backend %s: %w", b.Client.Name(), err)
			}
			logger.Warn(ctx, "optional MCP backend unavailable, continuing without its tools",
				"backend", b.Client.Name(), "error", err)
			continue
		}

		for _, tool := range tools {
			if prev, ok := c.routes[tool.Name]; ok {
				return nil, fmt.Errorf("tool %q advertised by both %s and %s", tool.Name, prev.Name(), b.Client.Name())
			}
			compiled, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.InputSchema))
			if err != nil {
				logger.Warn(ctx, "tool schema does not compile, skipping argument validation",
					"backend", b.Client.Name(), "tool", tool.Name, "error", err)
				compiled = nil
			}
			c.routes[tool.Name] = b.Client
			if compiled != nil {
				c.schemas[tool.Name] = compiled
			}
			c.tools = append(c.tools, tool)
		}

		logger.Info(ctx, "MCP backend registered",
			"backend", b.Client.Name(), "tools", len(tools))
	}

	return c, nil
}

// Tools returns the merged tool list in registration order.
func (c *Catalog) Tools() []models.ToolDescriptor {
	return c.tools
}

// Backends returns the names of backends that contributed tools, sorted.
func (c *Catalog) Backends() []string {
	seen := map[string]bool{}
	for _, client := range c.routes {
		seen[client.Name()] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch validates the call's arguments against the tool's schema and
// forwards it to the owning backend. The timeout bounds the remote call.
func (c *Catalog) Dispatch(ctx context.Context, call models.ToolCall, timeout time.Duration) (string, error) {
	client, ok := c.routes[call.Name]
	if !ok {
		return "", &DispatchError{Tool: call.Name, Cause: fmt.Errorf("unknown tool")}
	}

	if schema := c.schemas[call.Name]; schema != nil {
		var args any
		input := call.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", &DispatchError{Tool: call.Name, Backend: client.Name(), Cause: fmt.Errorf("arguments are not valid JSON: %w", err)}
		}
		if err := schema.Validate(args); err != nil {
			return "", &DispatchError{Tool: call.Name, Backend: client.Name(), Cause: fmt.Errorf("invalid arguments: %w", err)}
		}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	content, isError, err := client.CallTool(callCtx, call.Name, call.Input)
	if err != nil {
		return "", &DispatchError{Tool: call.Name, Backend: client.Name(), Cause: err}
	}
	if isError {
		return "", &DispatchError{Tool: call.Name, Backend: client.Name(), Cause: fmt.Errorf("tool reported error: %s", content)}
	}
	return content, nil
}
