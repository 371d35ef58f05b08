package handlers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/config"
	"github.com/quarrylabs/quarry/api/handlers"
)

func TestDBQuerier_Select(t *testing.T) {
	setupTestClickHouse(t)
	ctx := t.Context()

	err := config.DB.Exec(ctx, `
		INSERT INTO incidents (sys_id, number, short_description, state, priority)
		VALUES
			('b1', 'INC0010010', 'Printer offline on floor 3', 'New', '4 - Low'),
			('b2', 'INC0010011', 'Payroll report crashes on export', 'In Progress', '2 - High')
	`)
	require.NoError(t, err)

	result, err := handlers.NewDBQuerier().Query(ctx, "SELECT count() AS total FROM incidents")
	require.NoError(t, err)

	assert.Empty(t, result.Error)
	assert.Equal(t, workflow.QueryErrorKind(""), result.ErrorKind)
	assert.Equal(t, []string{"total"}, result.Columns)
	assert.Equal(t, 1, result.Count)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, uint64(2), result.Rows[0]["total"])
	assert.Contains(t, result.Formatted, "Results (1 rows)")
}

func TestDBQuerier_TrailingSemicolon(t *testing.T) {
	setupTestClickHouse(t)

	result, err := handlers.NewDBQuerier().Query(t.Context(), "SELECT 1 AS one;")
	require.NoError(t, err)
	assert.Empty(t, result.Error)
	assert.Equal(t, 1, result.Count)
}

func TestDBQuerier_UnknownTableClassifiedInvalid(t *testing.T) {
	setupTestClickHouse(t)

	result, err := handlers.NewDBQuerier().Query(t.Context(), "SELECT count() FROM tickets_that_do_not_exist")
	require.NoError(t, err)

	// The driver error carries a ClickHouse code the classifier maps to a
	// non-retryable kind, so the engine regenerates instead of retrying.
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, workflow.QueryErrorInvalid, result.ErrorKind)
}

func TestDBQuerier_EmptyResult(t *testing.T) {
	setupTestClickHouse(t)

	result, err := handlers.NewDBQuerier().Query(t.Context(), "SELECT number FROM incidents WHERE number = 'INC0000000'")
	require.NoError(t, err)

	assert.Empty(t, result.Error)
	assert.Equal(t, 0, result.Count)
	assert.Equal(t, "Query returned no results.", result.Formatted)
}
