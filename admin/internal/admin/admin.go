// Package admin implements maintenance commands for the quarry warehouse:
// dropping managed tables and seeding a small demo dataset.
package admin

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

func connect(addr, database, username, password string, secure bool) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 10 * time.Second,
	}
	if secure {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return conn, nil
}

// managedTable reports whether the warehouse owns the named table. Staging
// tables (stg_ prefix) are operator scratch space created during backfills
// and are dropped along with everything else.
func managedTable(name string) bool {
	switch name {
	case "incidents", "problems", "open_incidents":
		return true
	}
	return strings.HasPrefix(name, "stg_") || strings.HasPrefix(name, "goose_db_version")
}

// ResetDB drops all managed warehouse tables and views, including the goose
// bookkeeping table so the next migration run starts from scratch.
func ResetDB(log *slog.Logger, addr, database, username, password string, secure, dryRun, yes bool) error {
	ctx := context.Background()

	conn, err := connect(addr, database, username, password, secure)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, "SELECT name, engine FROM system.tables WHERE database = ?", database)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var views, tables []string
	for rows.Next() {
		var name, engine string
		if err := rows.Scan(&name, &engine); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table row: %w", err)
		}
		if !managedTable(name) {
			continue
		}
		if engine == "View" {
			views = append(views, name)
		} else {
			tables = append(tables, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	if len(views) == 0 && len(tables) == 0 {
		log.Info("no managed tables found, nothing to drop", "database", database)
		return nil
	}

	if dryRun {
		for _, name := range views {
			log.Info("would drop view", "name", name)
		}
		for _, name := range tables {
			log.Info("would drop table", "name", name)
		}
		return nil
	}

	if !yes {
		fmt.Printf("This will drop %d table(s) and %d view(s) in database %q. Type 'yes' to continue: ",
			len(tables), len(views), database)
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil || answer != "yes" {
			return fmt.Errorf("aborted")
		}
	}

	// Views first so nothing references a table mid-drop.
	for _, name := range views {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", name)); err != nil {
			return fmt.Errorf("failed to drop view %s: %w", name, err)
		}
		log.Info("dropped view", "name", name)
	}
	for _, name := range tables {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
		log.Info("dropped table", "name", name)
	}

	return nil
}

type demoIncident struct {
	number      string
	shortDesc   string
	state       string
	priority    string
	impact      string
	urgency     string
	category    string
	group       string
	assignee    string
	caller      string
	openedAgo   time.Duration
	resolvedAgo time.Duration // 0 = unresolved
	closedAgo   time.Duration // 0 = not closed
	reopenCount uint32
}

type demoProblem struct {
	number       string
	shortDesc    string
	state        string
	priority     string
	category     string
	group        string
	assignee     string
	knownError   string
	workaround   string
	relatedCount uint32
	reportedAgo  time.Duration
	resolvedAgo  time.Duration // 0 = unresolved
}

// SeedDemo inserts a small, self-consistent demo dataset so the assistant has
// something to answer questions about on a fresh install. Safe to run more
// than once: the tables deduplicate by ticket number on merge.
func SeedDemo(log *slog.Logger, addr, database, username, password string, secure bool) error {
	ctx := context.Background()

	conn, err := connect(addr, database, username, password, secure)
	if err != nil {
		return err
	}
	defer conn.Close()

	now := time.Now().UTC().Truncate(time.Hour)
	unresolved := time.Unix(0, 0).UTC()
	at := func(ago time.Duration) time.Time {
		if ago == 0 {
			return unresolved
		}
		return now.Add(-ago)
	}

	incidents := []demoIncident{
		{"INC0010001", "Email delivery delayed for EMEA users", "Resolved", "2 - High", "2 - Medium", "1 - High", "software", "Messaging", "Dana Whitaker", "Priya Raman", 72 * time.Hour, 60 * time.Hour, 58 * time.Hour, 0},
		{"INC0010002", "VPN drops every 30 minutes", "In Progress", "2 - High", "2 - Medium", "2 - Medium", "network", "Network Ops", "Marcus Lee", "Tomas Kral", 30 * time.Hour, 0, 0, 1},
		{"INC0010003", "Laptop will not boot after update", "New", "3 - Moderate", "3 - Low", "2 - Medium", "hardware", "Service Desk", "", "Aisha Bello", 5 * time.Hour, 0, 0, 0},
		{"INC0010004", "Payroll report export times out", "On Hold", "2 - High", "2 - Medium", "2 - Medium", "software", "Business Apps", "Jon Park", "Maria Ortiz", 50 * time.Hour, 0, 0, 2},
		{"INC0010005", "Printer offline on floor 3", "Closed", "4 - Low", "3 - Low", "3 - Low", "hardware", "Service Desk", "Sam Field", "Li Wen", 170 * time.Hour, 168 * time.Hour, 144 * time.Hour, 0},
		{"INC0010006", "Database cluster failover alert", "Resolved", "1 - Critical", "1 - High", "1 - High", "database", "Database Team", "Rita Gomez", "monitoring", 26 * time.Hour, 25 * time.Hour, 24 * time.Hour, 0},
		{"INC0010007", "Cannot reset password via portal", "In Progress", "3 - Moderate", "3 - Low", "2 - Medium", "inquiry", "Identity", "Omar Haddad", "Jenny Cho", 8 * time.Hour, 0, 0, 0},
		{"INC0010008", "Shared drive permissions missing for new hires", "New", "3 - Moderate", "2 - Medium", "3 - Low", "software", "Service Desk", "", "Erik Nilsen", 2 * time.Hour, 0, 0, 0},
	}

	problems := []demoProblem{
		{"PRB0002001", "VPN concentrator drops idle tunnels under load", "In Progress", "2 - High", "network", "Network Ops", "Marcus Lee", "Yes", "Reconnect manually; keepalive interval lowered on the client profile", 14, 21 * 24 * time.Hour, 0},
		{"PRB0002002", "Email queue backs up during nightly archive job", "Resolved", "3 - Moderate", "software", "Messaging", "Dana Whitaker", "No", "", 5, 40 * 24 * time.Hour, 9 * 24 * time.Hour},
		{"PRB0002003", "Payroll export locks report tables", "New", "2 - High", "software", "Business Apps", "", "No", "", 3, 4 * 24 * time.Hour, 0},
	}

	batch, err := conn.PrepareBatch(ctx, `INSERT INTO incidents
		(sys_id, number, short_description, state, priority, impact, urgency,
		 category, assignment_group, assigned_to, caller_id,
		 opened_at, resolved_at, closed_at, reopen_count)`)
	if err != nil {
		return fmt.Errorf("failed to prepare incidents batch: %w", err)
	}
	for _, inc := range incidents {
		err := batch.Append(
			uuid.NewString(),
			inc.number,
			inc.shortDesc,
			inc.state,
			inc.priority,
			inc.impact,
			inc.urgency,
			inc.category,
			inc.group,
			inc.assignee,
			inc.caller,
			at(inc.openedAgo),
			at(inc.resolvedAgo),
			at(inc.closedAgo),
			inc.reopenCount,
		)
		if err != nil {
			return fmt.Errorf("failed to append incident %s: %w", inc.number, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert incidents: %w", err)
	}

	batch, err = conn.PrepareBatch(ctx, `INSERT INTO problems
		(sys_id, number, short_description, state, priority, category,
		 assignment_group, assigned_to, known_error, workaround,
		 related_incidents, first_reported_at, resolved_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare problems batch: %w", err)
	}
	for _, prb := range problems {
		err := batch.Append(
			uuid.NewString(),
			prb.number,
			prb.shortDesc,
			prb.state,
			prb.priority,
			prb.category,
			prb.group,
			prb.assignee,
			prb.knownError,
			prb.workaround,
			prb.relatedCount,
			at(prb.reportedAgo),
			at(prb.resolvedAgo),
		)
		if err != nil {
			return fmt.Errorf("failed to append problem %s: %w", prb.number, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert problems: %w", err)
	}

	log.Info("seeded demo data", "incidents", len(incidents), "problems", len(problems))
	return nil
}
