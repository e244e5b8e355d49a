package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/scrypster/checkpoint/internal/engine"
	"github.com/scrypster/checkpoint/internal/ingest"
	"github.com/scrypster/checkpoint/internal/notify"
	"github.com/scrypster/checkpoint/internal/server"
	"github.com/scrypster/checkpoint/pkg/types"
)

func versionFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "checkpoint",
		Aliases: []string{"c"},
		Usage:   "Checkpoint version (default: the active checkpoint)",
	}
}

func ingestCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Add a file or directory of writing to a checkpoint",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			versionFlag(),
			&cli.StringFlag{Name: "source-type", Usage: "writing, message, code or email (default: derived from each file)"},
			&cli.IntFlag{Name: "chunk-size", Usage: "Chunk size in characters; overrides the config"},
			&cli.IntFlag{Name: "chunk-overlap", Usage: "Chunk overlap in characters; overrides the config"},
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "Keep running and ingest files written under the directory"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path, err := requireArg(c, "path")
			if err != nil {
				return err
			}
			return opts.withApp(ctx, func(app *server.App) error {
				cp, err := app.Manager.Resolve(ctx, c.String("checkpoint"))
				if err != nil {
					return err
				}
				chunk := app.Config.Ingest.Chunk()
				if c.IsSet("chunk-size") {
					chunk.Size = int(c.Int("chunk-size"))
				}
				if c.IsSet("chunk-overlap") {
					chunk.Overlap = int(c.Int("chunk-overlap"))
				}

				req := ingest.Request{
					CheckpointVersion: cp.Version,
					Path:              path,
					SourceType:        types.SourceType(c.String("source-type")),
					Chunk:             chunk,
				}
				w := c.Root().Writer
				summary, err := app.Pipeline.Ingest(ctx, req)
				if summary != nil {
					printSummary(w, summary)
				}
				if err != nil || !c.Bool("watch") {
					return err
				}
				return watch(ctx, app, req, w)
			})
		},
	}
}

// watch ingests every supported file written under req.Path until ctx is
// done. Failures are reported and watching continues.
func watch(ctx context.Context, app *server.App, req ingest.Request, w io.Writer) error {
	watcher, err := notify.NewWatcher(req.Path, notify.Options{Filter: ingest.Supported}, app.Logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "watching %s (ctrl-c to stop)\n", req.Path)
	return watcher.Run(ctx, func(ctx context.Context, paths []string) {
		for _, p := range paths {
			r := req
			r.Path = p
			summary, err := app.Pipeline.Ingest(ctx, r)
			if summary != nil {
				printSummary(w, summary)
			}
			if err != nil {
				fmt.Fprintf(w, "  %s: %v\n", p, err)
			}
		}
	})
}

func printSummary(w io.Writer, s *ingest.Summary) {
	field(w, "checkpoint", s.CheckpointVersion)
	field(w, "documents", s.Documents)
	field(w, "ingested", s.Ingested)
	field(w, "skipped", s.Skipped)
	field(w, "failed", s.Failed)
	field(w, "failed docs", s.FailedDocuments)
	for _, e := range s.Errors {
		fmt.Fprintf(w, "  %s: %s\n", e.Source, e.Error)
	}
}

func repairCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:      "repair",
		Usage:     "Complete or remove documents left pending by an interrupted ingest",
		ArgsUsage: "[version]",
		Action: func(ctx context.Context, c *cli.Command) error {
			return opts.withApp(ctx, func(app *server.App) error {
				var summaries []*ingest.RepairSummary
				if v := c.Args().First(); v != "" {
					s, err := app.Reconciler.Repair(ctx, v)
					if err != nil {
						return err
					}
					summaries = append(summaries, s)
				} else {
					var err error
					if summaries, err = app.Reconciler.RepairAll(ctx); err != nil {
						return err
					}
				}

				w := c.Root().Writer
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\tcommitted=%d completed=%d deleted=%d errors=%d\n",
						s.CheckpointVersion, s.Committed, s.Completed, s.Deleted, len(s.Errors))
					for _, e := range s.Errors {
						fmt.Fprintf(w, "  %s: %s\n", e.Source, e.Error)
					}
				}
				return nil
			})
		},
	}
}

func askCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send one chat message",
		ArgsUsage: "<message...>",
		Flags: []cli.Flag{
			versionFlag(),
			&cli.BoolFlag{Name: "sources", Aliases: []string{"s"}, Usage: "Print the retrieved sources"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			message := strings.Join(c.Args().Slice(), " ")
			return opts.withApp(ctx, func(app *server.App) error {
				resp, err := app.Engine.Chat(ctx, engine.ChatRequest{Message: message, Version: c.String("checkpoint")})
				if err != nil {
					return err
				}
				printResponse(c.Root().Writer, resp, c.Bool("sources"))
				return nil
			})
		},
	}
}

func regenerateCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "regenerate",
		Usage: "Generate a new reply to the latest message",
		Flags: []cli.Flag{
			versionFlag(),
			&cli.FloatFlag{Name: "temperature", Usage: "Temperature for this reply only"},
			&cli.BoolFlag{Name: "sources", Aliases: []string{"s"}, Usage: "Print the retrieved sources"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			req := engine.RegenerateRequest{Version: c.String("checkpoint")}
			if c.IsSet("temperature") {
				t := c.Float("temperature")
				req.Temperature = &t
			}
			return opts.withApp(ctx, func(app *server.App) error {
				resp, err := app.Engine.Regenerate(ctx, req)
				if err != nil {
					return err
				}
				printResponse(c.Root().Writer, resp, c.Bool("sources"))
				return nil
			})
		},
	}
}

func printResponse(w io.Writer, resp *engine.ChatResponse, sources bool) {
	fmt.Fprintln(w, resp.Response)
	if !sources {
		return
	}
	for i, s := range resp.Sources {
		fmt.Fprintf(w, "\n[%d] %.3f %s\n", i+1, s.Relevance, s.Content)
	}
}

func historyCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show or clear conversation history",
		Flags: []cli.Flag{
			versionFlag(),
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Most recent turns to show (default: the engine's history limit)"},
			&cli.BoolFlag{Name: "clear", Usage: "Delete the history instead of showing it"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return opts.withApp(ctx, func(app *server.App) error {
				w := c.Root().Writer
				if c.Bool("clear") {
					version, n, err := app.Engine.ClearHistory(ctx, c.String("checkpoint"))
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "cleared %d turns from %s\n", n, version)
					return nil
				}

				turns, err := app.Engine.History(ctx, c.String("checkpoint"), int(c.Int("limit")))
				if err != nil {
					return err
				}
				for _, t := range turns {
					fmt.Fprintf(w, "[%s] %s: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"), t.Role, t.Content)
				}
				return nil
			})
		},
	}
}

func statsCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show document and conversation counts",
		Flags: []cli.Flag{versionFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			return opts.withApp(ctx, func(app *server.App) error {
				stats, err := app.Engine.Stats(ctx, c.String("checkpoint"))
				if err != nil {
					return err
				}
				w := c.Root().Writer
				field(w, "checkpoint", stats.Version)
				printStats(w, stats)
				return nil
			})
		},
	}
}
