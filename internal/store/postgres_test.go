package store

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-scheduler/internal/models"
)

func TestEmbeddedMigrationCreatesEmailsTable(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	content, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	sql := string(content)
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS emails")
	for _, st := range models.Statuses {
		assert.True(t, strings.Contains(sql, "'"+string(st)+"'"), "status %s missing from check constraint", st)
	}
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, []string{"scheduled", "rate_limited"}, statusStrings(models.StatusScheduled, models.StatusRateLimited))
	assert.Empty(t, statusStrings())
}

func TestTextPtr(t *testing.T) {
	assert.Nil(t, textPtr(pgtype.Text{}))
	got := textPtr(pgtype.Text{String: "boom", Valid: true})
	require.NotNil(t, got)
	assert.Equal(t, "boom", *got)
}

func TestListFilterPageSize(t *testing.T) {
	tests := map[int]int{0: MaxListLimit, -1: MaxListLimit, 25: 25, MaxListLimit + 1: MaxListLimit}
	for limit, want := range tests {
		assert.Equal(t, want, ListFilter{Limit: limit}.PageSize(), "limit %d", limit)
	}
}
