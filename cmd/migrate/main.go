package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/joao-fontenele/licenseflow/internal/config"
	"github.com/joao-fontenele/licenseflow/internal/telemetry"
)

const usage = "usage: migrate <up|down [N]|version|force VERSION>"

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		slog.Error(usage)
		os.Exit(2)
	}

	cfg, err := config.Load[config.Migrate]()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger("migrate", cfg.Log.SlogLevel())

	m, err := migrate.New(cfg.MigrationsPath, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to create migrate instance", "error", err)
		os.Exit(1)
	}
	defer func() { _, _ = m.Close() }()

	if err := run(m, args, logger); err != nil {
		logger.Error("migrate failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func run(m *migrate.Migrate, args []string, logger *slog.Logger) error {
	switch args[0] {
	case "up":
		return report(m.Up(), logger, "store schema is up to date")

	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
		return report(m.Steps(-steps), logger, "migrations rolled back", "steps", steps)

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("current migration version", "version", version, "dirty", dirty)
		return nil

	case "force":
		if len(args) < 2 {
			return errors.New(usage)
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if err := m.Force(version); err != nil {
			return err
		}
		logger.Warn("migration version forced", "version", version)
		return nil

	default:
		return errors.New(usage)
	}
}

func report(err error, logger *slog.Logger, msg string, attrs ...any) error {
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("nothing to migrate")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info(msg, attrs...)
	return nil
}
