//go:build evals

package evals_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/joho/godotenv"

	quarrytesting "github.com/quarrylabs/quarry/utils/pkg/testing"
	clickhousetesting "github.com/quarrylabs/quarry/warehouse/pkg/clickhouse/testing"
)

var testChDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	// Pick up ANTHROPIC_API_KEY and friends when running locally.
	_ = godotenv.Load()
	_ = godotenv.Load("../../.env")

	ctx := context.Background()
	log := quarrytesting.NewLogger()

	var err error
	testChDB, err = clickhousetesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start ClickHouse container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testChDB.Close()
	os.Exit(code)
}
