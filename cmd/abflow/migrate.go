package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/abflow/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// numericSubcommands 需要一个数值参数的子命令
var numericSubcommands = map[string]struct{}{
	"steps": {},
	"goto":  {},
	"force": {},
}

// runMigrate 处理 migrate 命令。格式: migrate <subcommand> [N] [--config path] [--db-type t --db-url u]
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return errors.New("migrate subcommand is required")
	}

	subcommand := args[0]
	args = args[1:]

	switch subcommand {
	case "help", "-h", "--help":
		printMigrateUsage(out)
		return nil
	case "up", "down", "down-all", "reset", "version", "status", "info", "steps", "goto", "force":
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", subcommand)
	}

	// 数值参数位于 flag 之前
	var positional []string
	if _, ok := numericSubcommands[subcommand]; ok && len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		positional, args = args[:1], args[1:]
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	all := fs.Bool("all", false, "Rollback all migrations (down only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(positional) == 0 && fs.NArg() > 0 {
		positional = fs.Args()[:1]
	}

	if subcommand == "down" && *all {
		subcommand = "down-all"
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return cli.Execute(ctx, subcommand, positional)
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件推导
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbURL != "" {
		if dbType == "" {
			return nil, errors.New("--db-type is required with --db-url")
		}
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Store.Type = ""
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprintln(out, `Database Migration Commands

Usage:
  abflow migrate <subcommand> [N] [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  down-all  Rollback all migrations
  reset     Rollback all migrations and re-apply them
  steps N   Apply (N > 0) or rollback (N < 0) N migrations
  goto N    Migrate to version N
  force N   Force set migration version (use with caution)
  version   Show current migration version
  status    Show per-migration status
  info      Show current version and pending count
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  abflow migrate up --config /etc/abflow/config.yaml
  abflow migrate down --all
  abflow migrate goto 1
  abflow migrate up --db-type sqlite --db-url "file:abflow.db?mode=rwc"`)
}
