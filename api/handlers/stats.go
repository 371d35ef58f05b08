package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/api/config"
	"github.com/quarrylabs/quarry/api/metrics"
)

// StatsResponse summarizes what the warehouse currently holds.
type StatsResponse struct {
	Incidents     uint64 `json:"incidents"`
	OpenIncidents uint64 `json:"open_incidents"`
	Problems      uint64 `json:"problems"`
	KnownErrors   uint64 `json:"known_errors"`
	LastLoadedAt  string `json:"last_loaded_at,omitempty"`
	FetchedAt     string `json:"fetched_at"`
	Error         string `json:"error,omitempty"`
}

// GetStats returns warehouse record counts and load freshness. The queries
// run in parallel; a failure degrades to the Error field rather than a 500
// so dashboards keep rendering.
func GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var stats StatsResponse
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scanRow(gctx, "SELECT count() FROM incidents", &stats.Incidents)
	})
	g.Go(func() error {
		return scanRow(gctx, "SELECT count() FROM open_incidents", &stats.OpenIncidents)
	})
	g.Go(func() error {
		return scanRow(gctx, "SELECT count() FROM problems", &stats.Problems)
	})
	g.Go(func() error {
		return scanRow(gctx, "SELECT count() FROM problems WHERE known_error = 'Yes'", &stats.KnownErrors)
	})
	g.Go(func() error {
		var last time.Time
		if err := scanRow(gctx, "SELECT max(loaded_at) FROM incidents", &last); err != nil {
			return err
		}
		// Epoch means the table is empty.
		if last.Unix() > 0 {
			stats.LastLoadedAt = last.UTC().Format(time.RFC3339)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		stats.Error = internalError("Failed to load warehouse stats", err)
	}
	stats.FetchedAt = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func scanRow(ctx context.Context, query string, dest any) error {
	start := time.Now()
	err := config.DB.QueryRow(ctx, query).Scan(dest)
	metrics.RecordClickHouseQuery(time.Since(start), err)
	return err
}
