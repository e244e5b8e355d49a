package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/scrypster/checkpoint/internal/server"
)

func serveCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP and WebSocket API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Listen host; overrides the config"},
			&cli.IntFlag{Name: "port", Usage: "Listen port; overrides the config"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return opts.withApp(ctx, func(app *server.App) error {
				if c.IsSet("host") {
					app.Config.Server.Host = c.String("host")
				}
				if c.IsSet("port") {
					app.Config.Server.Port = int(c.Int("port"))
				}

				srv, err := server.Start(ctx, app)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "listening on http://%s\n", srv.Addr())
				return srv.Wait()
			})
		},
	}
}
