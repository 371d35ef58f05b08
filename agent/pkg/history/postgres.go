package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// PostgresStore persists conversation history and feedback in Postgres.
// It is safe for concurrent use; all synchronization is delegated to the
// connection pool and the database.
type PostgresStore struct {
	log          *slog.Logger
	pool         *pgxpool.Pool
	maxExchanges int
}

// NewPostgresStore wraps an existing connection pool. The caller owns the
// pool's lifecycle. Retention is capped at DefaultMaxExchanges exchanges
// per user.
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		log:          log,
		pool:         pool,
		maxExchanges: DefaultMaxExchanges,
	}
}

func (s *PostgresStore) LoadRecent(ctx context.Context, userID string, n int) ([]workflow.Exchange, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT question, answer, sql_query FROM conversations WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	defer rows.Close()

	var exchanges []workflow.Exchange
	for rows.Next() {
		var ex workflow.Exchange
		if err := rows.Scan(&ex.User, &ex.Bot, &ex.SQL); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation rows: %w", err)
	}

	// The query returns newest-first; callers expect oldest-first.
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}

	return exchanges, nil
}

func (s *PostgresStore) Append(ctx context.Context, userID string, ex workflow.Exchange) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (user_id, question, answer, sql_query) VALUES ($1, $2, $3, $4)`,
		userID, ex.User, ex.Bot, ex.SQL)
	if err != nil {
		return fmt.Errorf("failed to append exchange: %w", err)
	}

	// Trim anything beyond the retention window for this user.
	_, err = s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM conversations WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		)`,
		userID, s.maxExchanges)
	if err != nil {
		return fmt.Errorf("failed to trim conversation history: %w", err)
	}

	return nil
}

func (s *PostgresStore) History(ctx context.Context, userID string) ([]workflow.Exchange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT question, answer, sql_query FROM conversations WHERE user_id = $1 ORDER BY id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	defer rows.Close()

	var exchanges []workflow.Exchange
	for rows.Next() {
		var ex workflow.Exchange
		if err := rows.Scan(&ex.User, &ex.Bot, &ex.SQL); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation rows: %w", err)
	}

	return exchanges, nil
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear conversation history: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFeedback(ctx context.Context, userID, query, feedback string) error {
	if feedback == "" {
		feedback = NoFeedback
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (user_id, query, feedback, comments) VALUES ($1, $2, $3, $4)`,
		userID, query, feedback, NoComments)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}

	return nil
}

func (s *PostgresStore) RecordComment(ctx context.Context, userID, query, comment string) error {
	// Attach the comment to the newest feedback entry for this query.
	tag, err := s.pool.Exec(ctx,
		`UPDATE feedback SET comments = $3, updated_at = now() WHERE id = (
			SELECT id FROM feedback WHERE user_id = $1 AND query = $2 ORDER BY id DESC LIMIT 1
		)`,
		userID, query, comment)
	if err != nil {
		return fmt.Errorf("failed to record comment: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No prior like/dislike for this query; create the entry now.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO feedback (user_id, query, feedback, comments) VALUES ($1, $2, $3, $4)`,
		userID, query, NoFeedback, comment)
	if err != nil {
		return fmt.Errorf("failed to record comment: %w", err)
	}

	return nil
}

func (s *PostgresStore) Feedback(ctx context.Context, userID string) ([]FeedbackEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT query, feedback, comments, created_at, updated_at FROM feedback WHERE user_id = $1 ORDER BY id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	defer rows.Close()

	var entries []FeedbackEntry
	for rows.Next() {
		var e FeedbackEntry
		if err := rows.Scan(&e.Query, &e.Feedback, &e.Comments, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feedback rows: %w", err)
	}

	return entries, nil
}

type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RunMigrations applies any pending schema migrations to the history
// database. It opens its own short-lived connection so it can be run
// before the pool is created.
func RunMigrations(ctx context.Context, log *slog.Logger, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "db/migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrationStatus prints the status of all known migrations.
func MigrationStatus(ctx context.Context, log *slog.Logger, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.StatusContext(ctx, db, "db/migrations"); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	return nil
}
