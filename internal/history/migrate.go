package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// slogGooseLogger forwards goose output to slog
type slogGooseLogger struct {
	logger *slog.Logger
}

func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf logs at error level. It does not exit; goose errors are returned.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Migrate applies every pending migration for driver to db
func Migrate(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) error {
	dialect, dir, err := dialectFor(driver)
	if err != nil {
		return err
	}

	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	log := logger.With("component", "migrations", "driver", driver)
	provider, err := goose.NewProvider(dialect, db, sub,
		goose.WithLogger(&slogGooseLogger{logger: log}),
	)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, res := range results {
		log.Info("migration applied",
			"version", res.Source.Version,
			"duration_ms", res.Duration.Milliseconds())
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.Info("journal schema up to date", "version", version, "applied", len(results))
	return nil
}

func dialectFor(driver string) (goose.Dialect, string, error) {
	switch driver {
	case DriverSQLite:
		return goose.DialectSQLite3, "migrations/sqlite", nil
	case DriverPostgres:
		return goose.DialectPostgres, "migrations/postgres", nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
