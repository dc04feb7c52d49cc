package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/formatter"
	"github.com/desertthunder/libsync/internal/repositories"
	"github.com/desertthunder/libsync/internal/server"
	"github.com/desertthunder/libsync/internal/services"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/tasks"
	"github.com/desertthunder/libsync/internal/vault"
	"github.com/desertthunder/libsync/internal/worker"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config      *shared.Config
	logger      *log.Logger
	output      io.Writer
	transport   http.RoundTripper
	openBrowser func(url string) error
	now         func() time.Time
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config *shared.Config
	Logger *log.Logger
	Output io.Writer
	// Transport is the base round tripper behind the catalog gate.
	Transport   http.RoundTripper
	OpenBrowser func(url string) error
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = shared.OpenBrowser
	}

	return &Runner{
		config:      opts.Config,
		logger:      opts.Logger,
		output:      opts.Output,
		transport:   opts.Transport,
		openBrowser: opts.OpenBrowser,
		now:         time.Now,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, vaultCommand, usersCommand, workerCommand, serveCommand,
		enqueueCommand, syncCommand, statusCommand, tuiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// loadConfig reads path when it exists and falls back to the runner's config otherwise.
func (r *Runner) loadConfig(path string) (*shared.Config, error) {
	config := r.config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if config, err = shared.LoadConfig(path); err != nil {
				return nil, err
			}
		} else {
			r.logger.Debug("config file not found, using defaults", "path", path)
		}
	}

	shared.SetLogLevel(r.logger, config.Log.Level)
	return config, nil
}

// app is the dependency graph shared by every command that touches the database.
type app struct {
	config    *shared.Config
	db        *sql.DB
	users     *repositories.UserRepository
	jobs      *repositories.JobRepository
	state     *repositories.SyncStateRepository
	heartbeat *repositories.HeartbeatRepository
	catalog   *repositories.CatalogRepository
	vault     *vault.Vault
	gate      *services.Gate
	api       *services.SpotifyCatalog
	tokens    *services.TokenRefresher
	enqueuer  *worker.Enqueuer
	engine    *tasks.Engine
	scheduler *worker.Scheduler
}

// open loads configuration from the command's --config flag, migrates the database and wires the services.
func (r *Runner) open(ctx context.Context, cmd *cli.Command) (*app, error) {
	config, err := r.loadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	key, err := config.VaultKey()
	if err != nil {
		return nil, err
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	if err := shared.RunMigrationsContext(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a := &app{
		config:    config,
		db:        db,
		users:     repositories.NewUserRepository(db),
		jobs:      repositories.NewJobRepository(db),
		state:     repositories.NewSyncStateRepository(db),
		heartbeat: repositories.NewHeartbeatRepository(db),
		catalog:   repositories.NewCatalogRepository(db),
	}

	if a.vault, err = vault.New(key, config.Vault.KeyVersion, repositories.NewCredentialRepository(db)); err != nil {
		db.Close()
		return nil, err
	}

	a.gate = services.NewGate(services.GateOptions{
		MaxConcurrency:    config.Client.MaxConcurrency,
		Timeout:           config.Client.Timeout,
		RequestsPerSecond: config.Client.RequestsPerSecond,
		Burst:             config.Client.Burst,
		Transport:         r.transport,
	})
	client := services.NewClient(services.ClientOptions{
		BaseURL:         config.Catalog.BaseURL,
		HTTPClient:      a.gate.Client(),
		BreakerFailures: config.Client.BreakerFailures,
		BreakerCooldown: config.Client.BreakerCooldown,
		Logger:          shared.WithLogger(r.logger, "component", "client"),
	})
	a.api = services.NewSpotifyCatalog(client)
	a.tokens = services.NewTokenRefresher(
		services.NewOAuthConfig(config.Catalog), a.gate.Client(), a.vault, shared.WithLogger(r.logger, "component", "tokens"),
	)

	a.enqueuer = worker.NewEnqueuer(a.jobs, a.state)
	a.engine = tasks.NewEngine(a.api, a.tokens, a.catalog, a.state, a.enqueuer, shared.WithLogger(r.logger, "component", "engine"))
	a.scheduler = worker.NewScheduler(worker.Deps{
		Jobs:      a.jobs,
		State:     a.state,
		Users:     a.users,
		Heartbeat: a.heartbeat,
		Enqueuer:  a.enqueuer,
		Engine:    a.engine,
		Tokens:    a.tokens,
	}, worker.OptionsFromConfig(config.Worker), r.logger)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// store exposes the repositories to the status server.
func (a *app) store() server.RepositoryStore {
	return server.RepositoryStore{Users: a.users, Jobs: a.jobs, States: a.state, Beats: a.heartbeat}
}

// report gathers the status of userID.
func (a *app) report(ctx context.Context, userID string, now time.Time) (*formatter.StatusReport, error) {
	user, err := a.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	states, err := a.state.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync state: %w", err)
	}
	jobs, err := a.jobs.ListByUser(ctx, userID, server.StatusJobLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	hb, err := a.heartbeat.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat: %w", err)
	}

	return &formatter.StatusReport{User: user, States: states, Jobs: jobs, Heartbeat: hb, GeneratedAt: now}, nil
}

// statusSource adapts an [app] to the dashboard.
type statusSource struct {
	app    *app
	userID string
	now    func() time.Time
}

func (s statusSource) Report(ctx context.Context) (*formatter.StatusReport, error) {
	return s.app.report(ctx, s.userID, s.now())
}

func (s statusSource) Sync(ctx context.Context, resource string) (string, error) {
	return s.app.scheduler.SyncNow(ctx, s.userID, resource)
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	output, err := shared.MarshalJSON(data, pretty)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// requireUser reads the --user flag.
func requireUser(cmd *cli.Command) (string, error) {
	userID := cmd.String("user")
	if userID == "" {
		return "", fmt.Errorf("%w: --user is required", shared.ErrMissingArgument)
	}
	return userID, nil
}

// isUnknownUser reports whether err came from looking up a missing user.
func isUnknownUser(err error) bool {
	return errors.Is(err, shared.ErrUnknownResource)
}
