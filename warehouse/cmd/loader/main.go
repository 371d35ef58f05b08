package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/ClickHouse/clickhouse-go/v2"
	flag "github.com/spf13/pflag"

	"github.com/quarrylabs/quarry/utils/pkg/logger"
	whclickhouse "github.com/quarrylabs/quarry/warehouse/pkg/clickhouse"
	"github.com/quarrylabs/quarry/warehouse/pkg/loader"
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

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run warehouse migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show warehouse migration status")
	loadFlag := flag.String("load", "", "Path to a CSV export to load")
	tableFlag := flag.String("table", "incidents", "Target table for --load")
	batchSizeFlag := flag.Int("batch-size", 0, "Rows per insert batch (0 = default)")
	concurrencyFlag := flag.Int("concurrency", 0, "Concurrent insert batches (0 = default)")

	// S3 export source
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket holding CSV exports (load from S3 instead of --load)")
	s3KeyFlag := flag.String("s3-key", "", "S3 object key to load (empty = latest under --s3-prefix)")
	s3PrefixFlag := flag.String("s3-prefix", "", "S3 key prefix when resolving the latest export")
	s3RegionFlag := flag.String("s3-region", "", "AWS region for --s3-bucket")
	s3EndpointFlag := flag.String("s3-endpoint", "", "Custom S3 endpoint (for MinIO)")

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

	ctx := context.Background()

	migCfg := whclickhouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	if *migrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --migrate")
		}
		return whclickhouse.RunMigrations(ctx, log, migCfg)
	}

	if *migrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --migrate-status")
		}
		return whclickhouse.MigrationStatus(ctx, log, migCfg)
	}

	if *loadFlag != "" || *s3BucketFlag != "" {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for loading")
		}

		opts := &clickhouse.Options{
			Addr: []string{*clickhouseAddrFlag},
			Auth: clickhouse.Auth{
				Database: *clickhouseDatabaseFlag,
				Username: *clickhouseUsernameFlag,
				Password: *clickhousePasswordFlag,
			},
		}
		if *clickhouseSecureFlag {
			opts.TLS = &tls.Config{}
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer conn.Close()

		l, err := loader.New(loader.Config{
			Log:         log,
			Conn:        conn,
			Database:    *clickhouseDatabaseFlag,
			BatchSize:   *batchSizeFlag,
			Concurrency: *concurrencyFlag,
		})
		if err != nil {
			return err
		}

		var src io.ReadCloser
		if *s3BucketFlag != "" {
			s3src, err := loader.NewS3Source(ctx, loader.S3SourceConfig{
				Bucket:      *s3BucketFlag,
				Region:      *s3RegionFlag,
				EndpointURL: *s3EndpointFlag,
			})
			if err != nil {
				return err
			}
			if *s3KeyFlag != "" {
				src, err = s3src.Fetch(ctx, *s3KeyFlag)
			} else {
				var key string
				src, key, err = s3src.FetchLatest(ctx, *s3PrefixFlag)
				if err == nil {
					log.Info("resolved latest export", "key", key)
				}
			}
			if err != nil {
				return err
			}
		} else {
			f, err := os.Open(*loadFlag)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", *loadFlag, err)
			}
			src = f
		}
		defer src.Close()

		n, err := l.LoadCSV(ctx, *tableFlag, src)
		if err != nil {
			return err
		}
		log.Info("load finished", "table", *tableFlag, "rows", n)
		return nil
	}

	flag.Usage()
	return nil
}
