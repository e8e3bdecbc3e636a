// Package main runs the xengine task server: a task manager for resumable
// downloads with a JWT-protected HTTP control API, a lifecycle journal and
// a live websocket event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/phrazzld/xengine/internal/config"
	"github.com/phrazzld/xengine/internal/platform/logger"
	"github.com/phrazzld/xengine/internal/service/auth"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "xengine: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("xengine", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (TOML, YAML or JSON)")
	issueToken := fs.String("issue-token", "", "print a signed API token for `subject` and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, v, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return printToken(cfg, *issueToken, stdout)
	}

	log, level := logger.Setup(cfg.Server)
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver,
		"config_file", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, log, level)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	if v != nil {
		config.Watch(v, log, app.reload)
	}
	return app.Run(ctx)
}

// loadAppConfig loads configuration from path, or from defaults and the
// environment when path is empty. The viper instance is returned for
// watching and is nil without a file.
func loadAppConfig(path string) (*config.Config, *viper.Viper, error) {
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		return cfg, nil, nil
	}
	cfg, v, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, v, nil
}

func printToken(cfg *config.Config, subject string, stdout io.Writer) error {
	svc, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	token, err := svc.GenerateToken(logger.WithLogger(context.Background(), slog.Default()), subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
