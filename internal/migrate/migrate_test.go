package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahkfinance/devicelock/migrations"
)

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	require.Equal(t, []string{
		"00001_devices.sql",
		"00002_location_history.sql",
		"00003_operators.sql",
	}, names)

	for _, n := range names {
		b, err := fs.ReadFile(migrations.FS, n)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(b), "-- +goose Up"), n)
		require.Contains(t, string(b), "-- +goose Down", n)
	}
}

func TestDeviceMergeKeepsCounterMonotonic(t *testing.T) {
	b, err := fs.ReadFile(migrations.FS, "00001_devices.sql")
	require.NoError(t, err)
	require.Contains(t, string(b), "GREATEST(")
	require.Contains(t, string(b), "-- +goose StatementBegin")
}
