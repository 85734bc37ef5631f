package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mickamy/grievance/internal/config"
	"github.com/mickamy/grievance/internal/logging"
	"github.com/mickamy/grievance/migrations"
	"github.com/mickamy/grievance/outbox"
)

const serviceName = "grievanced"

type appContext struct {
	cfg    *config.Config
	logger *logging.Logger
}

func newApp() *cli.App {
	rt := &appContext{}
	return &cli.App{
		Name:  serviceName,
		Usage: "complaint lifecycle event pipeline",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files to load before reading the environment",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.StringSlice("env-file")...)
			if err != nil {
				return err
			}
			rt.cfg = cfg
			rt.logger = logging.New(logging.Options{
				ServiceName: cfg.App.ServiceName,
				Level:       logging.ParseLevel(cfg.App.LogLevel),
				Format:      cfg.App.LogFormat,
			})
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(rt),
			relayCmd(rt),
			migrateCmd(rt),
			failedCmd(rt),
			requeueCmd(rt),
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func relayCmd(rt *appContext) *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "run only the outbox relay",
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()
			d, err := wire(ctx, rt, nil)
			if err != nil {
				return err
			}
			defer d.close()
			return ignoreCanceled(d.relay.Run(ctx))
		},
	}
}

func migrateCmd(rt *appContext) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "manage the database schema",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply pending migrations",
				Action: func(c *cli.Context) error {
					db, err := openDB(c.Context, rt.cfg.DB)
					if err != nil {
						return err
					}
					defer db.Close()
					n, err := migrations.Up(c.Context, db, rt.cfg.DB.Dialect())
					if err != nil {
						return err
					}
					rt.logger.Info(c.Context, "applied %d migrations", n)
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "roll back the latest migration",
				Action: func(c *cli.Context) error {
					db, err := openDB(c.Context, rt.cfg.DB)
					if err != nil {
						return err
					}
					defer db.Close()
					return migrations.Down(c.Context, db, rt.cfg.DB.Dialect())
				},
			},
			{
				Name:  "version",
				Usage: "print the schema version",
				Action: func(c *cli.Context) error {
					db, err := openDB(c.Context, rt.cfg.DB)
					if err != nil {
						return err
					}
					defer db.Close()
					v, err := migrations.Version(c.Context, db, rt.cfg.DB.Dialect())
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, v)
					return nil
				},
			},
		},
	}
}

func failedCmd(rt *appContext) *cli.Command {
	return &cli.Command{
		Name:  "failed",
		Usage: "list events that exhausted their retries",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum rows to show"},
		},
		Action: func(c *cli.Context) error {
			db, err := openDB(c.Context, rt.cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()
			envs, err := newStore(db, rt.cfg.DB.Dialect()).ListFailed(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSUBJECT\tTYPE\tATTEMPTS\tCREATED\tLAST ERROR")
			for _, env := range envs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					env.ID, env.SubjectID, env.Type, env.RetryCount, env.CreatedAt.Format(time.RFC3339), env.LastError)
			}
			return w.Flush()
		},
	}
}

func requeueCmd(rt *appContext) *cli.Command {
	return &cli.Command{
		Name:      "requeue",
		Usage:     "move failed events back to pending",
		ArgsUsage: "<id>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("requeue needs at least one event id", 2)
			}
			db, err := openDB(c.Context, rt.cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()
			store := newStore(db, rt.cfg.DB.Dialect())
			now := time.Now().UTC()
			for _, arg := range c.Args().Slice() {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid event id %q: %w", arg, err)
				}
				if err := store.Requeue(c.Context, id, now); err != nil {
					if errors.Is(err, outbox.ErrNotFound) {
						rt.logger.Warn(c.Context, "event %d is not failed, skipped", id)
						continue
					}
					if errors.Is(err, outbox.ErrSuperseded) {
						rt.logger.Warn(c.Context, "event %d skipped: %v", id, err)
						continue
					}
					return err
				}
				rt.logger.Info(c.Context, "event %d requeued", id)
			}
			return nil
		},
	}
}
