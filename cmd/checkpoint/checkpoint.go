package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/scrypster/checkpoint/internal/checkpoint"
	"github.com/scrypster/checkpoint/internal/server"
	"github.com/scrypster/checkpoint/pkg/types"
)

// configFlags set the behavioral knobs of a checkpoint.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "personality", Usage: "Personality note appended to the system prompt"},
		&cli.StringFlag{Name: "style", Usage: "Style or energy note appended to the system prompt"},
		&cli.FloatFlag{Name: "temperature", Usage: "Sampling temperature (0 to 2)"},
		&cli.IntFlag{Name: "context-docs", Usage: "Retrieved documents per prompt"},
		&cli.IntFlag{Name: "max-history", Usage: "Conversation turns per prompt"},
	}
}

// applyConfigFlags overlays the flags that were set on cfg.
func applyConfigFlags(c *cli.Command, cfg types.CheckpointConfig) types.CheckpointConfig {
	if c.IsSet("personality") {
		cfg.PersonalityNote = c.String("personality")
	}
	if c.IsSet("style") {
		cfg.TemperatureNote = c.String("style")
	}
	if c.IsSet("temperature") {
		t := c.Float("temperature")
		cfg.Temperature = &t
	}
	if c.IsSet("context-docs") {
		cfg.ContextDocs = int(c.Int("context-docs"))
	}
	if c.IsSet("max-history") {
		cfg.MaxHistory = int(c.Int("max-history"))
	}
	return cfg
}

func requireArg(c *cli.Command, name string) (string, error) {
	if c.Args().Len() < 1 || c.Args().First() == "" {
		return "", fmt.Errorf("%w: %s is required", types.ErrInvalidConfiguration, name)
	}
	return c.Args().First(), nil
}

func checkpointCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "checkpoint",
		Usage: "Manage checkpoints",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a checkpoint",
				ArgsUsage: "<version>",
				Flags: append(configFlags(),
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Description"},
					&cli.BoolFlag{Name: "activate", Usage: "Activate the new checkpoint"},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					version, err := requireArg(c, "version")
					if err != nil {
						return err
					}
					return opts.withApp(ctx, func(app *server.App) error {
						cp, err := app.Manager.Create(ctx, version, c.String("description"), applyConfigFlags(c, types.CheckpointConfig{}))
						if err != nil {
							return err
						}
						if c.Bool("activate") {
							if cp, err = app.Manager.Activate(ctx, version); err != nil {
								return err
							}
						}
						printCheckpoint(c.Root().Writer, cp)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List checkpoints in version order",
				Action: func(ctx context.Context, c *cli.Command) error {
					return opts.withApp(ctx, func(app *server.App) error {
						list, err := app.Manager.List(ctx)
						if err != nil {
							return err
						}
						w := c.Root().Writer
						if len(list) == 0 {
							fmt.Fprintln(w, "no checkpoints")
							return nil
						}
						for _, cp := range list {
							marker := " "
							if cp.IsActive {
								marker = "*"
							}
							fmt.Fprintf(w, "%s %s\t%s\t%s\n", marker, cp.Version, cp.CreatedAt.Format("2006-01-02 15:04"), cp.Description)
						}
						return nil
					})
				},
			},
			{
				Name:      "activate",
				Usage:     "Make a checkpoint the default for chat",
				ArgsUsage: "<version>",
				Action: func(ctx context.Context, c *cli.Command) error {
					version, err := requireArg(c, "version")
					if err != nil {
						return err
					}
					return opts.withApp(ctx, func(app *server.App) error {
						if _, err := app.Manager.Activate(ctx, version); err != nil {
							return err
						}
						fmt.Fprintf(c.Root().Writer, "activated %s\n", version)
						return nil
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a checkpoint with its documents and history",
				ArgsUsage: "<version>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Allow deleting the active checkpoint"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					version, err := requireArg(c, "version")
					if err != nil {
						return err
					}
					return opts.withApp(ctx, func(app *server.App) error {
						res, err := app.Manager.Delete(ctx, version, checkpoint.DeleteOptions{Force: c.Bool("force")})
						if errors.Is(err, types.ErrCannotDeleteActive) {
							return fmt.Errorf("%w (use --force)", err)
						}
						if err != nil {
							return err
						}
						w := c.Root().Writer
						fmt.Fprintf(w, "deleted %s\n", res.Deleted)
						if res.NewActive != "" {
							fmt.Fprintf(w, "activated %s\n", res.NewActive)
						}
						return nil
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Show a checkpoint and its stats (default: active)",
				ArgsUsage: "[version]",
				Action: func(ctx context.Context, c *cli.Command) error {
					return opts.withApp(ctx, func(app *server.App) error {
						cp, err := app.Manager.Resolve(ctx, c.Args().First())
						if err != nil {
							return err
						}
						stats, err := app.Engine.Stats(ctx, cp.Version)
						if err != nil {
							return err
						}
						w := c.Root().Writer
						printCheckpoint(w, cp)
						printStats(w, stats)
						return nil
					})
				},
			},
			{
				Name:      "config",
				Usage:     "Update a checkpoint's description or behavior",
				ArgsUsage: "<version>",
				Flags: append(configFlags(),
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Description"},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					version, err := requireArg(c, "version")
					if err != nil {
						return err
					}
					return opts.withApp(ctx, func(app *server.App) error {
						current, err := app.Manager.Get(ctx, version)
						if err != nil {
							return err
						}
						var desc *string
						if c.IsSet("description") {
							d := c.String("description")
							desc = &d
						}
						cp, err := app.Manager.UpdateConfig(ctx, version, desc, applyConfigFlags(c, current.Config))
						if err != nil {
							return err
						}
						printCheckpoint(c.Root().Writer, cp)
						return nil
					})
				},
			},
		},
	}
}

func printCheckpoint(w io.Writer, cp *types.Checkpoint) {
	eff := cp.Config.Effective()
	active := "no"
	if cp.IsActive {
		active = "yes"
	}
	field(w, "version", cp.Version)
	field(w, "description", cp.Description)
	field(w, "active", active)
	field(w, "created", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	field(w, "temperature", fmt.Sprintf("%.2f", eff.Temperature))
	field(w, "context docs", eff.ContextDocs)
	field(w, "max history", eff.MaxHistory)
	if eff.PersonalityNote != "" {
		field(w, "personality", eff.PersonalityNote)
	}
	if eff.TemperatureNote != "" {
		field(w, "style", eff.TemperatureNote)
	}
}

func printStats(w io.Writer, s *types.Stats) {
	field(w, "documents", s.Documents)
	field(w, "vectors", s.Vectors)
	field(w, "messages", s.Messages)
	field(w, "conversations", s.Conversations)
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%-15s %v\n", label+":", value)
}
