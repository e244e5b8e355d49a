package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/scrypster/checkpoint/internal/backup"
	"github.com/scrypster/checkpoint/internal/server"
)

// backupService builds the backup service without opening the databases,
// so restore can replace them.
func (o *options) backupService() (*backup.Service, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	return server.NewBackupService(cfg, logger)
}

func backupCommand(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Back up and restore the databases",
		Commands: []*cli.Command{
			{
				Name:  "now",
				Usage: "Back up every database now",
				Action: func(ctx context.Context, c *cli.Command) error {
					svc, err := opts.backupService()
					if err != nil {
						return err
					}
					results, err := svc.BackupNow(ctx)
					w := c.Root().Writer
					for _, r := range results {
						fmt.Fprintf(w, "%s\t%s\t%d bytes\tverified=%t\t%v\n",
							r.Target, r.Path, r.Size, r.Verified, r.Duration.Round(time.Millisecond))
					}
					return err
				},
			},
			{
				Name:      "list",
				Usage:     "List backups, newest first",
				ArgsUsage: "[target]",
				Action: func(ctx context.Context, c *cli.Command) error {
					svc, err := opts.backupService()
					if err != nil {
						return err
					}
					list, err := svc.ListBackups(c.Args().First())
					if err != nil {
						return err
					}
					w := c.Root().Writer
					if len(list) == 0 {
						fmt.Fprintln(w, "no backups")
						return nil
					}
					for _, b := range list {
						fmt.Fprintf(w, "%s\t%s\t%d bytes\t%s\n",
							b.Target, b.Timestamp.Format("2006-01-02 15:04:05"), b.Size, b.Path)
					}
					return nil
				},
			},
			{
				Name:      "restore",
				Usage:     "Replace a database with a backup; stop the server first",
				ArgsUsage: "<backup file>",
				Action: func(ctx context.Context, c *cli.Command) error {
					path, err := requireArg(c, "backup file")
					if err != nil {
						return err
					}
					svc, err := opts.backupService()
					if err != nil {
						return err
					}
					target, err := svc.Restore(ctx, path)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.Root().Writer, "restored %s from %s\n", target.Path, path)
					return nil
				},
			},
			{
				Name:  "health",
				Usage: "Report backup freshness and disk usage",
				Action: func(ctx context.Context, c *cli.Command) error {
					svc, err := opts.backupService()
					if err != nil {
						return err
					}
					health, err := svc.HealthCheck()
					if err != nil {
						return err
					}
					w := c.Root().Writer
					field(w, "status", health.Status)
					field(w, "message", health.Message)
					field(w, "backups", health.TotalBackups)
					field(w, "disk used", fmt.Sprintf("%d bytes", health.DiskSpaceUsed))
					field(w, "directory", health.Dir)
					if !health.LastBackup.IsZero() {
						field(w, "last backup", health.LastBackup.Format(time.RFC3339))
					}
					return nil
				},
			},
		},
	}
}
