// submodule cmd contains command definitions
package main

import (
	"github.com/desertthunder/libsync/internal/formatter"
	"github.com/desertthunder/libsync/internal/ui"
	"github.com/urfave/cli/v3"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
		Sources: cli.EnvVars("LIBSYNC_CONFIG"),
	}
}

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "User ID",
	}
}

// setupCommand handles setup operations for configuration and the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "config",
				Usage:  "Write a config.toml with defaults and a fresh vault key",
				Flags:  []cli.Flag{configFlag()},
				Action: r.SetupConfig,
			},
			{
				Name:   "database",
				Usage:  "Initialize database and run migrations",
				Flags:  []cli.Flag{configFlag()},
				Action: r.SetupDatabase,
			},
		},
	}
}

// authCommand handles catalog authorization.
func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage catalog authorization",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Authorize a catalog account in the browser and store its refresh credential",
				Flags: []cli.Flag{
					configFlag(),
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for the browser callback",
						Value: loginTimeout,
					},
				},
				Action: r.AuthLogin,
			},
		},
	}
}

// vaultCommand manages stored refresh credentials.
func vaultCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "vault",
		Usage: "Manage encrypted refresh credentials",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store a refresh credential for a user, creating the user if needed",
				Flags: []cli.Flag{
					configFlag(),
					userFlag(),
					&cli.StringFlag{
						Name:  "refresh-token",
						Usage: "Refresh credential (read from stdin when omitted)",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name for a new user",
					},
				},
				Action: r.VaultSet,
			},
		},
	}
}

// usersCommand lists known users.
func usersCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "users",
		Usage: "List users and whether they can be synced",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{Name: "json", Usage: "Output raw JSON"},
		},
		Action: r.Users,
	}
}

// workerCommand runs the background scheduler.
func workerCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the sync scheduler until interrupted",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "serve",
				Usage: "Also serve the status API",
			},
		},
		Action: r.Worker,
	}
}

// serveCommand runs the status API on its own.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the status API",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Serve,
	}
}

// enqueueCommand queues a job with an explicit payload.
func enqueueCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "enqueue",
		Usage: "Queue a sync job",
		Flags: []cli.Flag{
			configFlag(),
			userFlag(),
			&cli.StringFlag{
				Name:     "type",
				Aliases:  []string{"t"},
				Usage:    "Job type (tracks_initial, tracks_incremental, playlists, playlist_items, track_metadata, covers)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "payload",
				Aliases: []string{"p"},
				Usage:   "JSON payload; defaults to the configured page budget for the type",
			},
		},
		Action: r.Enqueue,
	}
}

// syncCommand runs or queues a sync for one resource.
func syncCommand(r *Runner) *cli.Command {
	resourceFlag := &cli.StringFlag{
		Name:     "resource",
		Aliases:  []string{"r"},
		Usage:    "Resource to sync (tracks, playlists, track_metadata, covers)",
		Required: true,
	}

	return &cli.Command{
		Name:  "sync",
		Usage: "Sync a resource",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run one sync in the foreground and follow its progress",
				Flags: []cli.Flag{
					configFlag(),
					userFlag(),
					resourceFlag,
					&cli.BoolFlag{
						Name:  "plain",
						Usage: "Print progress lines instead of the interactive view",
					},
				},
				Action: r.SyncRun,
			},
			{
				Name:   "now",
				Usage:  "Queue an immediate sync for the worker",
				Flags:  []cli.Flag{configFlag(), userFlag(), resourceFlag},
				Action: r.SyncNow,
			},
		},
	}
}

// statusCommand prints the sync status for a user.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show sync state, recent jobs and worker liveness for a user",
		Flags: []cli.Flag{
			configFlag(),
			userFlag(),
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format (table, csv, json, markdown)",
				Value:   formatter.FormatTable,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the report to a file instead of stdout",
			},
		},
		Action: r.Status,
	}
}

// tuiCommand returns the top-level command for the live dashboard.
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "tui",
		Aliases: []string{"dashboard", "ui"},
		Usage:   "Launch the live sync dashboard",
		Flags: []cli.Flag{
			configFlag(),
			userFlag(),
			&cli.DurationFlag{
				Name:  "refresh",
				Usage: "Refresh interval",
				Value: ui.DefaultRefresh,
			},
		},
		Action: r.TUI,
	}
}
