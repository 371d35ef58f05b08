// Package clickhousetesting provides a shared ClickHouse container for
// warehouse tests, with per-test databases carrying the warehouse schema.
package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	whclickhouse "github.com/quarrylabs/quarry/warehouse/pkg/clickhouse"
)

// DBConfig holds the ClickHouse test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// DB represents a ClickHouse test container.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	httpAddr  string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *DB) Addr() string { return db.addr }

// HTTPAddr returns the HTTP endpoint URL (http://host:port).
func (db *DB) HTTPAddr() string { return db.httpAddr }

// Username returns the ClickHouse username.
func (db *DB) Username() string { return db.cfg.Username }

// Password returns the ClickHouse password.
func (db *DB) Password() string { return db.cfg.Password }

// Close terminates the container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewDB starts a ClickHouse testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	mappedHTTPPort, err := container.MappedPort(ctx, nat.Port("8123/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container HTTP port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		httpAddr:  fmt.Sprintf("http://%s:%s", host, mappedHTTPPort.Port()),
		container: container,
	}, nil
}

// SetupDB creates a unique database with the warehouse schema applied and
// returns a connection bound to it, the database name, and a cleanup func
// that drops the database.
func SetupDB(ctx context.Context, log *slog.Logger, db *DB) (driver.Conn, string, func(), error) {
	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	databaseName := fmt.Sprintf("test_%s", randomSuffix)

	adminConn, err := NewConn(ctx, db.addr, db.cfg.Database, db.cfg.Username, db.cfg.Password)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to create ClickHouse admin connection: %w", err)
	}

	if err := adminConn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", databaseName)); err != nil {
		adminConn.Close()
		return nil, "", nil, fmt.Errorf("failed to create test database: %w", err)
	}

	err = whclickhouse.RunMigrations(ctx, log, whclickhouse.MigrationConfig{
		Addr:     db.addr,
		Database: databaseName,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	})
	if err != nil {
		adminConn.Close()
		return nil, "", nil, fmt.Errorf("failed to run warehouse migrations: %w", err)
	}

	testConn, err := NewConn(ctx, db.addr, databaseName, db.cfg.Username, db.cfg.Password)
	if err != nil {
		adminConn.Close()
		return nil, "", nil, fmt.Errorf("failed to create ClickHouse test connection: %w", err)
	}

	cleanup := func() {
		testConn.Close()
		_ = adminConn.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		adminConn.Close()
	}
	return testConn, databaseName, cleanup, nil
}

// Setup is SetupDB bound to the test lifecycle: failures fail the test and
// the database is dropped when the test finishes.
func Setup(t *testing.T, db *DB) (driver.Conn, string) {
	t.Helper()
	conn, name, cleanup, err := SetupDB(t.Context(), slog.Default(), db)
	require.NoError(t, err, "failed to set up test database")
	t.Cleanup(cleanup)
	return conn, name
}

// NewConn opens a native connection and verifies it with retried pings.
func NewConn(ctx context.Context, addr, database, username, password string) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := conn.Ping(ctx); err != nil {
			if attempt < 3 {
				time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to ping ClickHouse after retries: %w", err)
		}
		break
	}

	return conn, nil
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "port is already allocated") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
