package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/libsync/internal/formatter"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/tasks"
	"github.com/desertthunder/libsync/internal/ui"
	"github.com/urfave/cli/v3"
)

// Enqueue validates and queues a job. Without --payload the configured page budget for the type is used.
func (r *Runner) Enqueue(ctx context.Context, cmd *cli.Command) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}
	t, err := models.ParseJobType(cmd.String("type"))
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.users.Get(ctx, userID); err != nil {
		return err
	}

	var p models.Payload
	if raw := cmd.String("payload"); raw != "" {
		if p, err = models.DecodePayload(t, []byte(raw)); err != nil {
			return err
		}
	} else if p, err = defaultPayload(a, t); err != nil {
		return err
	}

	id, err := a.enqueuer.Enqueue(ctx, userID, t, p)
	if err != nil {
		return err
	}

	r.logger.Info("job enqueued", "id", id, "user", userID, "type", t)
	r.writePlain("✓ Queued %s job %s for %s\n", t, id, models.ResourceKey(t, p))
	return nil
}

func defaultPayload(a *app, t models.JobType) (models.Payload, error) {
	opts := a.scheduler.Options()
	switch t {
	case models.JobTracksInitial, models.JobTracksIncremental:
		return opts.TracksPayload(), nil
	case models.JobPlaylists:
		return opts.PlaylistsPayload(), nil
	case models.JobTrackMetadata, models.JobCovers:
		return opts.BackfillPayload(), nil
	default:
		return nil, fmt.Errorf("%w: %s requires --payload", shared.ErrMissingArgument, t)
	}
}

// SyncNow queues an immediate refresh of one resource for the worker.
func (r *Runner) SyncNow(ctx context.Context, cmd *cli.Command) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.users.Get(ctx, userID); err != nil {
		return err
	}

	resource := cmd.String("resource")
	id, err := a.scheduler.SyncNow(ctx, userID, resource)
	if err != nil {
		return err
	}

	r.writePlain("✓ Queued job %s for %s\n", id, resource)
	return nil
}

// SyncRun runs one sync in the foreground with progress output.
//
// The run writes through the same repositories as the worker. If the page budget runs out, the continuation is
// queued for the worker.
func (r *Runner) SyncRun(ctx context.Context, cmd *cli.Command) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}
	resource := cmd.String("resource")

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := a.users.Get(ctx, userID); err != nil {
		return err
	}

	busy, err := a.enqueuer.HasOutstanding(ctx, userID, resource)
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("%w: %s already has an outstanding job, see 'libsync status'", shared.ErrInvalidArgument, resource)
	}

	job, err := r.foregroundJob(ctx, a, userID, resource)
	if err != nil {
		return err
	}

	run := func(ctx context.Context, progress chan<- tasks.ProgressUpdate) (tasks.Result, error) {
		if err := a.state.MarkRunning(ctx, userID, resource); err != nil {
			return tasks.Result{}, err
		}
		result, err := a.engine.Run(ctx, job, progress)
		if err != nil && ctx.Err() != nil {
			// Interrupted: hand the run to the worker from where it started.
			if qerr := requeueForeground(context.WithoutCancel(ctx), a, job); qerr != nil {
				return result, errors.Join(err, qerr)
			}
			return result, err
		}
		if err != nil {
			a.state.MarkError(context.WithoutCancel(ctx), userID, resource, shared.SanitizeError(err))
			return result, err
		}
		if !result.Done {
			if _, err := a.enqueuer.Enqueue(ctx, userID, job.Type, result.Next); err != nil {
				return result, fmt.Errorf("failed to queue continuation: %w", err)
			}
		}
		return result, nil
	}

	if cmd.Bool("plain") {
		result, err := r.runPlain(ctx, run)
		r.writePlain("%s\n", ui.RenderResult(resource, result, err))
		return err
	}

	model := ui.NewProgress(ctx, resource, run)
	if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil {
		return fmt.Errorf("error running progress view: %w", err)
	}
	_, err = model.Result()
	return err
}

func requeueForeground(ctx context.Context, a *app, job *models.Job) error {
	p, err := job.Decode()
	if err != nil {
		return err
	}
	_, err = a.enqueuer.Enqueue(ctx, job.UserID, job.Type, p)
	return err
}

// foregroundJob builds an unsaved job for resource, typed the way the scheduler would queue it.
func (r *Runner) foregroundJob(ctx context.Context, a *app, userID, resource string) (*models.Job, error) {
	t, p, err := a.scheduler.JobFor(ctx, userID, resource)
	if err != nil {
		return nil, err
	}
	raw, err := models.EncodePayload(p)
	if err != nil {
		return nil, err
	}

	now := r.now()
	return &models.Job{
		ID:        shared.GenerateID(),
		UserID:    userID,
		Type:      t,
		Resource:  resource,
		Payload:   raw,
		NotBefore: now,
		Status:    models.JobRunning,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *Runner) runPlain(ctx context.Context, run ui.RunFunc) (tasks.Result, error) {
	progress := make(chan tasks.ProgressUpdate, 50)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progress {
			r.writePlain("%s\n", ui.RenderProgress(update))
		}
	}()

	result, err := run(ctx, progress)
	close(progress)
	<-done
	return result, err
}

// Status prints the sync state, recent jobs and worker heartbeat for a user.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}

	format := cmd.String("format")
	if format != formatter.FormatTable && format != formatter.FormatCSV &&
		format != formatter.FormatJSON && format != formatter.FormatMarkdown {
		return fmt.Errorf("%w: unsupported format %q (want one of %v)", shared.ErrInvalidArgument, format, formatter.Formats)
	}

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.report(ctx, userID, r.now())
	if err != nil {
		if isUnknownUser(err) {
			return fmt.Errorf("%w: no user %q", shared.ErrInvalidArgument, userID)
		}
		return err
	}

	if path := cmd.String("output"); path != "" {
		if format == formatter.FormatTable {
			format = formatter.FormatMarkdown
		}
		if err := formatter.WriteFile(report, format, path); err != nil {
			return err
		}
		r.writePlain("✓ Status written to %s\n", path)
		return nil
	}

	if format == formatter.FormatTable {
		return r.writePlain("%s", ui.RenderReport(report))
	}
	return formatter.Write(r.output, report, format)
}

// TUI launches the live dashboard for one user.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.users.Get(ctx, userID); err != nil {
		return err
	}

	// Logs would tear the alternate screen.
	r.logger.SetOutput(io.Discard)

	model := ui.NewDashboard(ctx, statusSource{app: a, userID: userID, now: r.now}, cmd.Duration("refresh"))
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
