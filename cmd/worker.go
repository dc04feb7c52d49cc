package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/desertthunder/libsync/internal/server"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Worker runs the scheduler loop until SIGINT or SIGTERM, optionally serving the status API alongside it.
func (r *Runner) Worker(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.logger.Info("worker started", "database", a.config.Database.Path)
		return a.scheduler.Run(ctx)
	})
	if cmd.Bool("serve") {
		g.Go(func() error { return r.serve(ctx, a) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.logger.Info("worker stopped")
	return nil
}

// Serve runs the status API until SIGINT or SIGTERM.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return r.serve(ctx, a)
}

func (r *Runner) serve(ctx context.Context, a *app) error {
	router := server.NewStatusRouter(server.Options{
		Store:      a.store(),
		Enqueuer:   a.enqueuer,
		Logger:     r.logger,
		StaleAfter: a.config.Worker.HeartbeatStaleAfter,
	})

	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)
	httpServer := server.New(addr, router)

	serverErrors := make(chan error, 1)
	go func() {
		r.logger.Infof("status server listening on %v", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
		close(serverErrors)
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	r.logger.Info("status server stopped")
	return nil
}
