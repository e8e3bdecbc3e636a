package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/phrazzld/xengine/internal/config"
)

// Supported database drivers, matching config.DatabaseConfig.Driver
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// ErrUnknownDriver is returned for a driver name other than sqlite or pgx
var ErrUnknownDriver = errors.New("unknown database driver")

const pingTimeout = 5 * time.Second

// Open connects to the journal database described by cfg and verifies the
// connection with a ping.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}

	log := logger.With("component", "history_db", "driver", cfg.Driver)
	log.Info("opening journal database", "url", maskURL(cfg.URL))

	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("database ping timed out after %s: %w", pingTimeout, err)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("journal database connection established",
		"duration_ms", time.Since(start).Milliseconds())
	return db, nil
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// maskURL hides the password of a database URL for logging
func maskURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword(parsed.User.Username(), "****")
		return parsed.String()
	}
	return raw
}
