package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/phrazzld/xengine/internal/api"
	"github.com/phrazzld/xengine/internal/config"
	"github.com/phrazzld/xengine/internal/history"
	"github.com/phrazzld/xengine/internal/loader"
	"github.com/phrazzld/xengine/internal/platform/files"
	"github.com/phrazzld/xengine/internal/platform/imaging"
	"github.com/phrazzld/xengine/internal/platform/logger"
	"github.com/phrazzld/xengine/internal/platform/transport"
	"github.com/phrazzld/xengine/internal/serial"
	"github.com/phrazzld/xengine/internal/service/auth"
	"github.com/phrazzld/xengine/internal/task"
	"github.com/phrazzld/xengine/internal/work"
)

const previewCacheSize = 64

// application holds the shared dependencies of the server and releases them
// on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	db      *sql.DB
	journal *history.Journal

	files     *files.Manager
	client    *transport.Client
	downloads *work.Downloads
	previews  *loader.ScrollLoader

	manager    *task.Manager
	hub        *api.EventHub
	jwtService auth.JWTService
}

// newApplication wires every component from cfg. The journal database is
// opened and migrated before anything else is built.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger, level *slog.LevelVar) (*application, error) {
	app := &application{
		config: cfg,
		logger: log,
		level:  level,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	app.db, err = history.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := history.Migrate(ctx, app.db, cfg.Database.Driver, log); err != nil {
		_ = app.db.Close()
		return nil, err
	}
	app.journal = history.NewJournal(app.db, cfg.Database.Driver, cfg.Tasks.EventBuffer, log)

	app.files, err = setupFiles(afero.NewOsFs(), cfg.Storage, log)
	if err != nil {
		app.cleanup(context.Background())
		return nil, err
	}

	app.client = transport.NewClient(transport.Config{
		UserAgent:       cfg.Download.UserAgent,
		ResponseTimeout: cfg.Download.Timeout,
		MaxRedirects:    cfg.Download.MaxRedirects,
	}, log)
	app.downloads = work.NewDownloads(app.client, app.files, cfg.Download.RateLimit, log)

	app.previews = loader.New(app.files, files.DirPhoto,
		imaging.NewDecoder(imaging.DefaultConfig()),
		imaging.NewCache(previewCacheSize),
		serial.QueueConfig{TokenTimeout: cfg.Tasks.SerialTimeout},
		log)

	app.manager = task.NewManager(task.ManagerConfig{Retry: retryPolicy(cfg.Tasks)}, log)
	app.hub = api.NewEventHub(log)
	app.manager.RegisterListener(app.journal)
	app.manager.RegisterListener(app.hub)

	log.Info("application initialized",
		"storage_root", app.files.RootName(),
		"max_retries", cfg.Tasks.MaxRetries,
		"rate_limit", cfg.Download.RateLimit)
	return app, nil
}

// setupFiles creates the storage root and the tmp and photo directories
func setupFiles(fs afero.Fs, cfg config.StorageConfig, log *slog.Logger) (*files.Manager, error) {
	fm := files.NewManager(fs, cfg.Base, log)
	if err := fm.SetRootName(cfg.RootName); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if err := fm.SetDir(files.DirTmp, cfg.TmpDir, false); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}
	if err := fm.SetDir(files.DirPhoto, cfg.PhotoDir, false); err != nil {
		return nil, fmt.Errorf("failed to create photo directory: %w", err)
	}
	return fm, nil
}

func retryPolicy(cfg config.TaskConfig) task.RetryPolicy {
	return task.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}
}

// newDownload builds download operations that store into the photo directory
func (app *application) newDownload(rawURL, name string) task.Operation {
	return app.downloads.New(rawURL, files.DirPhoto, name)
}

// reload applies the settings that can change without a restart. Other
// changes are logged and wait for the next start.
func (app *application) reload(cfg *config.Config) {
	logger.SetLevel(app.level, cfg.Server.LogLevel)
	app.manager.SetRetryPolicy(retryPolicy(cfg.Tasks))
	app.downloads.SetRateLimit(cfg.Download.RateLimit)

	if cfg.Server.Port != app.config.Server.Port || cfg.Database != app.config.Database {
		app.logger.Warn("server and database changes take effect after a restart")
	}
	app.logger.Info("configuration applied",
		"log_level", cfg.Server.LogLevel,
		"max_retries", cfg.Tasks.MaxRetries,
		"rate_limit", cfg.Download.RateLimit)
}

// cleanup releases resources in dependency order: running tasks first, then
// the listeners they report to, then storage.
func (app *application) cleanup(ctx context.Context) {
	var errs []error

	if app.manager != nil {
		if err := app.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task manager: %w", err))
		}
	}
	if app.previews != nil {
		app.previews.StopAndClear()
	}
	if app.hub != nil {
		app.hub.Close()
	}
	if app.client != nil {
		app.client.Dispose()
	}
	if app.journal != nil {
		if err := app.journal.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		app.logger.Error("application shutdown incomplete", "error", err)
		return
	}
	app.logger.Info("application shutdown completed")
}
