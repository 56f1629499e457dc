package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(FS(), Dir+"/*.sql")
	require.NoError(t, err)
	require.Len(t, files, 4)

	for _, name := range files {
		data, err := fs.ReadFile(FS(), name)
		require.NoError(t, err)
		body := string(data)
		assert.True(t, strings.HasPrefix(body, "-- +goose Up"), "%s must start with a goose Up marker", name)
		assert.Contains(t, body, "-- +goose Down", name)
	}
}

func TestSchemaCoversStoreTables(t *testing.T) {
	var all strings.Builder
	files, err := fs.Glob(FS(), Dir+"/*.sql")
	require.NoError(t, err)
	for _, name := range files {
		data, err := fs.ReadFile(FS(), name)
		require.NoError(t, err)
		all.Write(data)
	}

	for _, table := range []string{
		"users", "sites", "places", "site_memberships", "place_memberships",
		"site_subscriptions", "place_subscriptions", "subscription_history", "event_logs",
	} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
