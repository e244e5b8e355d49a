package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/scrypster/checkpoint/internal/api/mcp"
	"github.com/scrypster/checkpoint/internal/server"
)

func mcpCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve checkpoints to MCP clients over stdio",
		Action: func(ctx context.Context, c *cli.Command) error {
			return opts.withApp(ctx, func(app *server.App) error {
				srv := mcp.NewServer(app.Manager, app.Engine,
					mcp.WithLogger(app.Logger),
					mcp.WithVersion(c.Root().Version),
				)
				// stdout carries the protocol; logs already go to stderr
				return mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, app.Logger).Serve(ctx)
			})
		},
	}
}
