// Package loader ingests ticketing-system CSV exports into warehouse tables.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 5000
	defaultConcurrency = 4
)

// Config holds the loader configuration.
type Config struct {
	Log      *slog.Logger
	Conn     driver.Conn
	Database string

	// BatchSize is the number of rows per insert batch.
	BatchSize int
	// Concurrency bounds how many batches are in flight at once.
	Concurrency int
}

func (c *Config) Validate() error {
	if c.Log == nil {
		return errors.New("logger is required")
	}
	if c.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return nil
}

// Loader bulk-inserts CSV rows into a warehouse table.
type Loader struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Log, cfg: cfg}, nil
}

// column describes one target table column.
type column struct {
	Name string
	Type string
}

// fieldMapping binds a CSV field index to its target column.
type fieldMapping struct {
	idx int
	col column
}

// LoadCSV reads a header-mapped CSV stream and inserts its rows into table.
// Headers are matched to column names; headers with no matching column are
// skipped with a warning, and table columns absent from the CSV take their
// defaults. Returns the number of rows inserted.
func (l *Loader) LoadCSV(ctx context.Context, table string, r io.Reader) (int, error) {
	cols, err := l.fetchColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("table %s has no columns (does it exist?)", table)
	}

	byName := make(map[string]column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read CSV header: %w", err)
	}

	fields := mapHeader(header, byName, func(name string) {
		l.log.Warn("CSV header has no matching column, skipping", "table", table, "header", name)
	})
	if len(fields) == 0 {
		return 0, fmt.Errorf("no CSV headers match columns of table %s", table)
	}

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.col.Name
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(names, ", "))

	l.log.Info("loading CSV", "table", table, "columns", len(fields), "batchSize", l.cfg.BatchSize, "concurrency", l.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)

	flush := func(records [][]string, offset int) {
		g.Go(func() error {
			return l.insertChunk(gctx, insertSQL, fields, records, offset)
		})
	}

	total := 0
	offset := 0
	chunk := make([][]string, 0, l.cfg.BatchSize)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = g.Wait()
			return 0, fmt.Errorf("failed to read CSV row %d: %w", total+2, err)
		}
		chunk = append(chunk, record)
		total++
		if len(chunk) >= l.cfg.BatchSize {
			flush(chunk, offset)
			offset = total
			chunk = make([][]string, 0, l.cfg.BatchSize)
		}
	}
	if len(chunk) > 0 {
		flush(chunk, offset)
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	l.log.Info("CSV load complete", "table", table, "rows", total)
	return total, nil
}

// mapHeader matches CSV header names to table columns, preserving CSV order.
func mapHeader(header []string, byName map[string]column, onSkip func(string)) []fieldMapping {
	var fields []fieldMapping
	for i, name := range header {
		name = strings.TrimSpace(name)
		col, ok := byName[name]
		if !ok {
			onSkip(name)
			continue
		}
		fields = append(fields, fieldMapping{idx: i, col: col})
	}
	return fields
}

func (l *Loader) fetchColumns(ctx context.Context, table string) ([]column, error) {
	rows, err := l.cfg.Conn.Query(ctx, `
		SELECT name, type
		FROM system.columns
		WHERE database = $1
		  AND table = $2
		ORDER BY position
	`, l.cfg.Database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// insertChunk coerces and sends one batch. offset is the number of data rows
// that preceded this chunk, used to report 1-based CSV line numbers.
func (l *Loader) insertChunk(ctx context.Context, insertSQL string, fields []fieldMapping, records [][]string, offset int) error {
	batch, err := l.cfg.Conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for i, record := range records {
		values := make([]any, len(fields))
		for j, f := range fields {
			v, err := coerceValue(record[f.idx], f.col.Type)
			if err != nil {
				batch.Close()
				return fmt.Errorf("row %d column %s: %w", offset+i+2, f.col.Name, err)
			}
			values[j] = v
		}
		if err := batch.Append(values...); err != nil {
			batch.Close()
			return fmt.Errorf("failed to append row %d: %w", offset+i+2, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	l.log.Debug("wrote batch", "rows", len(records), "offset", offset)
	return nil
}
