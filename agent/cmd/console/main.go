package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/quarrylabs/quarry/agent/pkg/history"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/utils/pkg/logger"
)

// consoleUserID keys the in-memory conversation history for the session.
const consoleUserID = "console"

// exampleQuestions exercise each intent: greeting, warehouse questions, and
// off-topic questions the assistant should decline to answer from data.
var exampleQuestions = []string{
	"Hi there!",
	"How many incidents were created this year?",
	"Show me critical problems",
	"What's the weather like?",
	"How many days in a year?",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	queryFlag := flag.String("query", "", "Run a single question and exit")
	examplesFlag := flag.Bool("examples", false, "Run the example questions and exit")

	// ClickHouse over HTTP, so the console runs anywhere the warehouse is
	// reachable without the native pool.
	clickhouseURLFlag := flag.String("clickhouse-url", "http://localhost:8123", "ClickHouse HTTP URL (or set CLICKHOUSE_ADDR_HTTP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override ClickHouse flags with environment variables if set
	if envClickhouseURL := os.Getenv("CLICKHOUSE_ADDR_HTTP"); envClickhouseURL != "" {
		*clickhouseURLFlag = envClickhouseURL
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

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	eng, err := buildEngine(log, *clickhouseURLFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *queryFlag != "":
		return runOnce(ctx, eng, *queryFlag, *verboseFlag)
	case *examplesFlag:
		return runExamples(ctx, eng, *verboseFlag)
	default:
		return runInteractive(ctx, eng, *verboseFlag)
	}
}

func buildEngine(log *slog.Logger, url, database, username, password string) (*workflow.Engine, error) {
	prompts, err := workflow.LoadPrompts()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	return workflow.New(workflow.Config{
		Logger:        log,
		LLM:           workflow.NewAnthropicLLMClient(anthropic.ModelClaudeHaiku4_5, 4096),
		Querier:       workflow.NewHTTPQuerier(log, url, username, password),
		SchemaFetcher: workflow.NewHTTPSchemaFetcherWithAuth(url, database, username, password),
		Prompts:       prompts,
		History:       history.NewMemoryStore(),
		MaxTokens:     4096,
	})
}

func runOnce(ctx context.Context, eng *workflow.Engine, question string, verbose bool) error {
	result := eng.RunTurn(ctx, question, consoleUserID)
	fmt.Println(result.FinalResponse)
	if verbose && result.SQLQuery != "" {
		fmt.Printf("\nSQL: %s\n", result.SQLQuery)
	}
	return nil
}

func runExamples(ctx context.Context, eng *workflow.Engine, verbose bool) error {
	for i, question := range exampleQuestions {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Printf("\nExample %d: %s\n", i+1, question)
		result := eng.RunTurn(ctx, question, consoleUserID)
		fmt.Printf("Assistant: %s\n", result.FinalResponse)
		if verbose && result.SQLQuery != "" {
			fmt.Printf("SQL: %s\n", result.SQLQuery)
		}
		fmt.Println(strings.Repeat("-", 40))
	}
	return nil
}

func runInteractive(ctx context.Context, eng *workflow.Engine, verbose bool) error {
	fmt.Println("Quarry data assistant. Ask about your incident and problem data.")
	fmt.Println("Type 'quit' or 'exit' to leave.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if ctx.Err() != nil {
			fmt.Println("\nGoodbye!")
			return nil
		}

		fmt.Print("\nYou: ")
		if !scanner.Scan() {
			// EOF (Ctrl-D) ends the session.
			fmt.Println("\nGoodbye!")
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(input) {
		case "quit", "exit", "bye", "q":
			fmt.Println("Goodbye!")
			return nil
		case "":
			fmt.Println("Please enter a question, or 'quit' to exit.")
			continue
		}

		result := eng.RunTurn(ctx, input, consoleUserID)
		fmt.Printf("\nAssistant: %s\n", result.FinalResponse)
		if verbose && result.SQLQuery != "" {
			fmt.Printf("SQL: %s\n", result.SQLQuery)
		}
	}
}
