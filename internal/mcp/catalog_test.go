package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func TestCatalogMergesBackends(t *testing.T) {
	general := fakeMCPServer(t, `[{"name":"web_search","description":"search"},{"name":"fetch_url","description":"fetch"}]`, nil)
	defer general.Close()
	browser := fakeMCPServer(t, `[{"name":"browser_navigate","description":"navigate"}]`, nil)
	defer browser.Close()

	catalog, err := NewCatalog(context.Background(), []Backend{
		{Client: NewClient(ClientConfig{Name: "gateway", URL: general.URL})},
		{Client: NewClient(ClientConfig{Name: "browser", URL: browser.URL}), Required: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	tools := catalog.Tools()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	if tools[0].Name != "web_search" || tools[2].Name != "browser_navigate" {
		t.Fatalf("tool order not stable: %+v", tools)
	}
	if got := catalog.Backends(); len(got) != 2 {
		t.Fatalf("backends = %v", got)
	}
}

func TestCatalogRejectsDuplicateToolNames(t *testing.T) {
	a := fakeMCPServer(t, `[{"name":"web_search"}]`, nil)
	defer a.Close()
	b := fakeMCPServer(t, `[{"name":"web_search"}]`, nil)
	defer b.Close()

	_, err := NewCatalog(context.Background(), []Backend{
		{Client: NewClient(ClientConfig{Name: "a", URL: a.URL})},
		{Client: NewClient(ClientConfig{Name: "b", URL: b.URL})},
	}, testLogger())
	if err == nil || !strings.Contains(err.Error(), "advertised by both") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestCatalogOptionalBackendDegrades(t *testing.T) {
	general := fakeMCPServer(t, `[{"name":"web_search"}]`, nil)
	defer general.Close()

	catalog, err := NewCatalog(context.Background(), []Backend{
		{Client: NewClient(ClientConfig{Name: "gateway", URL: general.URL})},
		{Client: NewClient(ClientConfig{Name: "down", URL: "http://127.0.0.1:1/mcp", Timeout: 200 * time.Millisecond})},
	}, testLogger())
	if err != nil {
		t.Fatalf("optional backend failure should not fail construction: %v", err)
	}
	if len(catalog.Tools()) != 1 {
		t.Fatalf("expected tools from healthy backend only, got %d", len(catalog.Tools()))
	}
}

func TestCatalogRequiredBackendFailure(t *testing.T) {
	_, err := NewCatalog(context.Background(), []Backend{
		{Client: NewClient(ClientConfig{Name: "browser", URL: "http://127.0.0.1:1/mcp", Timeout: 200 * time.Millisecond}), Required: true},
	}, testLogger())
	if err == nil {
		t.Fatal("expected construction failure for unreachable required backend")
	}
}

func TestDispatchValidatesArguments(t *testing.T) {
	called := false
	srv := fakeMCPServer(t,
		`[{"name":"web_search","inputSchema":{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}}]`,
		func(name string, args json.RawMessage) (string, bool) {
			called = true
			return "results", false
		})
	defer srv.Close()

	catalog, err := NewCatalog(context.Background(), []Backend{
		{Client: NewClient(ClientConfig{Name: "gateway", URL: srv.URL})},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	_, err = catalog.Dispatch(context.Background(), models.ToolCall{
		ID: "tu_1", Name: "web_search", Input: json.RawMessage(`{"query":42}`),
	}, time.Second)
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if called {
		t.Fatal("invalid arguments must not reach the backend")
	}

	content, err := catalog.Dispatch(context.Background(), models.ToolCall{
		ID: "tu_2", Name: "web_search", Input: json.RawMessage(`{"query":"go"}`),
	}, time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if content != "results" || !called {
		t.Fatalf("dispatch did not reach backend: %q", content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	srv := fakeMCPServer(t, `[]`, nil)
	defer srv.Close()

	catalog, err := NewCatalog(context.Background(), []Backend{
		{Client: NewClient(ClientConfig{Name: "gateway", URL: srv.URL})},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	_, err = catalog.Dispatch(context.Background(), models.ToolCall{ID: "tu_1", Name: "nope"}, time.Second)
	var de *DispatchError
	if !errors.As(err, &de) || de.Tool != "nope" {
		t.Fatalf("expected DispatchError for unknown tool, got %v", err)
	}
}

func TestDispatchSurfacesToolError(t *testing.T) {
	srv := fakeMCPServer(t, `[{"name":"web_search"}]`,
		func(name string, args json.RawMessage) (string, bool) {
			return "rate limited upstream", true
		})
	defer srv.Close()

	catalog, err := NewCatalog(context.Background(), []Backend{
		{Client: NewClient(ClientConfig{Name: "gateway", URL: srv.URL})},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	_, err = catalog.Dispatch(context.Background(), models.ToolCall{ID: "tu_1", Name: "web_search", Input: json.RawMessage(`{}`)}, time.Second)
	if err == nil || !strings.Contains(err.Error(), "rate limited upstream") {
		t.Fatalf("expected tool error surfaced, got %v", err)
	}
}
