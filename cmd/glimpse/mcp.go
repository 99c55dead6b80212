package main

import (
	"context"
	"errors"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/glimpse/internal/api"
	"github.com/kalambet/glimpse/internal/config"
	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/loop"
	"github.com/kalambet/glimpse/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an MCP server on stdio",
	Long: `Run a Model Context Protocol server over stdin/stdout. It offers
single-shot describe_screen and transcribe_audio tools, the observation
history, and the state of a running glimpse serve.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

func runMCP(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.L("mcp")

	store := openHistory(cfg, true)
	defer closeHistory(store)

	deps := api.MCPDeps{
		Describe:   mcpCycle(cfg, loopScreen, store),
		Transcribe: mcpCycle(cfg, loopListen, store),
		State:      apiClientFor(cfg).loopState,
		Version:    version,
	}
	if store != nil {
		deps.Store = store
	}

	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	logger.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// mcpCycle runs one single-shot cycle per tool call. Stdout carries the MCP
// transport, so responses go only to the history.
func mcpCycle(cfg config.Config, k loopKind, store *storage.Store) api.CycleFunc {
	return func(ctx context.Context, prompt string) (loop.Outcome, error) {
		s := defaultSettings(cfg, k)
		if prompt != "" {
			s.Request.Prompt = prompt
		}
		sess := newSession(ctx, cfg, s, nil, store)
		defer sess.Close(ctx)

		sched, err := loop.New(sess.capturer, sess.client, sess.dispatcher, s.loopConfig(),
			loop.WithLogger(logging.L("mcp").With(logging.KeyKind, string(k.kind))))
		if err != nil {
			return loop.Outcome{}, err
		}
		return sched.RunOnce(ctx)
	}
}
