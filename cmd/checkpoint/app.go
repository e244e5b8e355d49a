package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/scrypster/checkpoint/internal/config"
	"github.com/scrypster/checkpoint/internal/logging"
	"github.com/scrypster/checkpoint/internal/server"
)

// options holds the global flags.
type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// openApp opens the stores and providers; tests replace it.
var openApp = server.Open

func newCommand() *cli.Command {
	var opts options
	return &cli.Command{
		Name:    "checkpoint",
		Usage:   "Chat with versioned snapshots of someone's writing",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a YAML config file",
				Sources:     cli.EnvVars("CHECKPOINT_CONFIG"),
				Destination: &opts.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Log level (debug, info, warn, error); overrides the config",
				Destination: &opts.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Log format (console, json); overrides the config",
				Destination: &opts.logFormat,
			},
		},
		Commands: []*cli.Command{
			serveCommand(&opts),
			checkpointCommand(&opts),
			ingestCommand(&opts),
			repairCommand(&opts),
			askCommand(&opts),
			regenerateCommand(&opts),
			historyCommand(&opts),
			statsCommand(&opts),
			backupCommand(&opts),
			mcpCommand(&opts),
		},
	}
}

// load reads the configuration and installs the logger.
func (o *options) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	logging.SetDefault(logger)
	return cfg, logger, nil
}

// withApp loads the configuration, opens the App and runs fn against it.
func (o *options) withApp(ctx context.Context, fn func(*server.App) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	app, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(app)
}
