package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/api/config"
	"github.com/quarrylabs/quarry/api/handlers"
)

func getStats(t *testing.T) handlers.StatsResponse {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rr := httptest.NewRecorder()
	handlers.GetStats(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var response handlers.StatsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	return response
}

func TestGetStats(t *testing.T) {
	setupTestClickHouse(t)
	ctx := t.Context()

	err := config.DB.Exec(ctx, `
		INSERT INTO incidents (sys_id, number, short_description, state, priority)
		VALUES
			('c1', 'INC0010020', 'Email stuck in outbound queue', 'Resolved', '2 - High'),
			('c2', 'INC0010021', 'VPN drops every 30 minutes', 'In Progress', '2 - High'),
			('c3', 'INC0010022', 'Laptop will not boot', 'New', '3 - Moderate')
	`)
	require.NoError(t, err)

	err = config.DB.Exec(ctx, `
		INSERT INTO problems (sys_id, number, short_description, state, priority, known_error)
		VALUES
			('p1', 'PRB0002001', 'VPN concentrator drops tunnels under load', 'Known Error', '2 - High', 'Yes'),
			('p2', 'PRB0002002', 'Outbound email queue backs up nightly', 'Resolved', '3 - Moderate', 'No')
	`)
	require.NoError(t, err)

	response := getStats(t)
	assert.Empty(t, response.Error)
	assert.Equal(t, uint64(3), response.Incidents)
	assert.Equal(t, uint64(2), response.OpenIncidents)
	assert.Equal(t, uint64(2), response.Problems)
	assert.Equal(t, uint64(1), response.KnownErrors)
	assert.NotEmpty(t, response.LastLoadedAt)
	assert.NotEmpty(t, response.FetchedAt)
}

func TestGetStats_EmptyWarehouse(t *testing.T) {
	setupTestClickHouse(t)

	response := getStats(t)
	assert.Empty(t, response.Error)
	assert.Equal(t, uint64(0), response.Incidents)
	assert.Equal(t, uint64(0), response.OpenIncidents)
	assert.Equal(t, uint64(0), response.Problems)
	assert.Equal(t, uint64(0), response.KnownErrors)

	// max(loaded_at) on an empty table is the epoch, which reads as "never".
	assert.Empty(t, response.LastLoadedAt)
	assert.NotEmpty(t, response.FetchedAt)
}
