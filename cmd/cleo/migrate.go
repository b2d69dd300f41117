package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/config"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/migration"
)

// =============================================================================
// 数据库迁移命令
// =============================================================================

// 需要一个数值参数的子命令
var migrateArgCommands = map[string]bool{
	"goto":  true,
	"force": true,
	"steps": true,
}

// runMigrate 处理 migrate 子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	sub := args[0]
	rest := args[1:]
	switch sub {
	case "help", "-h", "--help":
		printMigrateUsage()
		return
	case "up", "down", "reset", "status", "version", "goto", "force", "steps":
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}

	n, rest, err := migrateArg(sub, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	migrator, err := createMigrator(flag.NewFlagSet("migrate "+sub, flag.ExitOnError), rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).Run(context.Background(), sub, n); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", sub, err)
		migrator.Close()
		os.Exit(1)
	}
}

// migrateArg 取出 goto / force / steps 的数值参数
func migrateArg(sub string, args []string) (int, []string, error) {
	if !migrateArgCommands[sub] {
		return 0, args, nil
	}
	if len(args) < 1 {
		return 0, nil, fmt.Errorf("usage: cleo migrate %s <n>", sub)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, nil, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, args[1:], nil
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件读取
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	verbose := fs.Bool("verbose", false, "Log migration progress")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if *verbose {
		logger = initLogger(config.LogConfig{Level: "debug", Format: "console"})
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  cleo migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  steps <n>   Apply n migrations (negative n rolls back)
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  reset       Rollback all migrations
  status      Show migration status
  version     Show current migration version
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --verbose           Log migration progress

Examples:
  cleo migrate up
  cleo migrate up --config /etc/cleo/config.yaml
  cleo migrate steps -1
  cleo migrate goto 1
  cleo migrate force 0
  cleo migrate status --db-type sqlite --db-url "file:cleo.db?mode=rwc"`)
}
