package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run serves the API until ctx is cancelled, then shuts the server down and
// releases the application's resources.
func (app *application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		app.cleanup(context.Background())
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.serve(ctx, ln)
}

func (app *application) serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info("starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
		defer cancel()

		// Websocket connections are hijacked and not tracked by Shutdown
		app.hub.Close()
		err := server.Shutdown(shutdownCtx)
		app.cleanup(shutdownCtx)
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	app.logger.Info("server shutdown completed")
	return err
}

func (app *application) shutdownTimeout() time.Duration {
	if t := app.config.Server.ShutdownTimeout; t > 0 {
		return t
	}
	return 10 * time.Second
}
