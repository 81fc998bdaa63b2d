package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/ccmob/internal/mcp"
	"github.com/basket/ccmob/internal/telemetry"
)

func newMCPCommand(rootOpts *rootOptions) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the ask_user tool to an agent over stdio",
		Long: `Run an MCP server on stdin/stdout exposing ask_user. Each call files a
question with the local gateway and blocks until it is answered on the
phone. Logs go to stderr; stdout carries only protocol messages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c, _, err := rootOpts.gatewayClient()
			if err != nil {
				return err
			}
			return runMCP(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), logLevel)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "stderr log level")
	return cmd
}

func runMCP(ctx context.Context, relay mcp.Relay, in io.Reader, out, errOut io.Writer, logLevel string) error {
	logger := telemetry.New(errOut, logLevel)
	srv, err := mcp.NewServer(mcp.Config{Relay: relay, Logger: logger})
	if err != nil {
		return err
	}
	t := mcp.NewStdioTransport(in, out)
	defer t.Close()
	return srv.Serve(ctx, t)
}
