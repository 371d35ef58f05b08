package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/quarrylabs/quarry/admin/internal/admin"
	"github.com/quarrylabs/quarry/agent/pkg/history"
	"github.com/quarrylabs/quarry/utils/pkg/logger"
	whclickhouse "github.com/quarrylabs/quarry/warehouse/pkg/clickhouse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Postgres configuration (conversation history)
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres connection string (or set DATABASE_URL env var)")

	// Commands
	clickhouseCreateDBFlag := flag.Bool("clickhouse-create-db", false, "Create the warehouse database if it does not exist")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run warehouse (ClickHouse) migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show warehouse (ClickHouse) migration status")
	postgresMigrateFlag := flag.Bool("postgres-migrate", false, "Run history (Postgres) migrations using goose")
	postgresMigrateStatusFlag := flag.Bool("postgres-migrate-status", false, "Show history (Postgres) migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all warehouse tables and views (incidents, problems, open_incidents, stg_*)")
	seedDemoFlag := flag.Bool("seed-demo", false, "Insert a small demo dataset into the warehouse")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override ClickHouse flags with environment variables if set
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	// Override Postgres flags with environment variables if set
	if envPostgresDSN := os.Getenv("DATABASE_URL"); envPostgresDSN != "" {
		*postgresDSNFlag = envPostgresDSN
	}

	migCfg := whclickhouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	// Execute commands
	if *clickhouseCreateDBFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-create-db")
		}
		return whclickhouse.CreateDatabase(context.Background(), log, migCfg)
	}

	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return whclickhouse.RunMigrations(context.Background(), log, migCfg)
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return whclickhouse.MigrationStatus(context.Background(), log, migCfg)
	}

	if *postgresMigrateFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for --postgres-migrate")
		}
		return history.RunMigrations(context.Background(), log, *postgresDSNFlag)
	}

	if *postgresMigrateStatusFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for --postgres-migrate-status")
		}
		return history.MigrationStatus(context.Background(), log, *postgresDSNFlag)
	}

	if *resetDBFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-db")
		}
		return admin.ResetDB(log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag, *dryRunFlag, *yesFlag)
	}

	if *seedDemoFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --seed-demo")
		}
		return admin.SeedDemo(log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	}

	flag.Usage()
	return nil
}
