package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaydev/relay/internal/agent"
	"github.com/relaydev/relay/internal/config"
	"github.com/relaydev/relay/internal/gateway"
	"github.com/relaydev/relay/internal/mcp"
	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/internal/sessions"
	"github.com/relaydev/relay/internal/sse"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: $RELAY_CONFIG or relay.yaml)")
	return cmd
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("RELAY_CONFIG"); env != "" {
		return env
	}
	return "relay.yaml"
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store sessions.Store
	if cfg.Redis.Addr != "" {
		store = sessions.NewRedisStore(sessions.RedisOptions{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TTL:        cfg.Redis.SessionTTL,
			MaxHistory: cfg.Redis.MaxHistory,
		}, logger)
	} else {
		logger.Warn(ctx, "redis not configured, sessions are in-memory only")
		store = sessions.NewMemoryStore(cfg.Redis.SessionTTL, cfg.Redis.MaxHistory)
	}
	defer store.Close()

	backends := make([]mcp.Backend, 0, len(cfg.MCP.Endpoints))
	for _, ep := range cfg.MCP.Endpoints {
		backends = append(backends, mcp.Backend{
			Client: mcp.NewClient(mcp.ClientConfig{
				Name:    ep.Name,
				URL:     ep.URL,
				Secret:  ep.Secret,
				Timeout: ep.Timeout,
			}),
			Required: ep.Required,
		})
	}
	catalog, err := mcp.NewCatalog(ctx, backends, logger)
	if err != nil {
		return fmt.Errorf("build tool catalog: %w", err)
	}
	logger.Info(ctx, "tool catalog ready",
		"tools", len(catalog.Tools()), "backends", catalog.Backends())

	model := agent.NewModelClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL)
	loop := agent.NewLoop(model, catalog, agent.Config{
		Model:         cfg.Anthropic.Model,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		MaxIterations: cfg.Loop.MaxIterations,
		HistoryTail:   cfg.Loop.HistoryTail,
		ToolTimeout:   cfg.Loop.ToolTimeout,
	}, logger, metrics)

	manager := sse.NewManager(cfg.SSE.MaxConnections, cfg.SSE.KeepAliveInterval, logger, metrics)
	server := gateway.NewServer(cfg, loop, store, manager, catalog.Backends(), logger, metrics)

	logger.Info(ctx, "starting relay server", "version", version, "profile", cfg.Profile)
	return server.Start(ctx)
}
