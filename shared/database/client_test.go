package database

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected string
	}{
		{
			name: "lib/pq keyword form",
			config: Config{
				Driver: DriverPostgres, Host: "db", Port: 5432,
				User: "u", Password: "p", Database: "extractor", SSLMode: "require",
			},
			expected: "host=db port=5432 user=u password=p dbname=extractor sslmode=require",
		},
		{
			name: "empty driver defaults to postgres and sslmode disable",
			config: Config{
				Host: "db", Port: 5432, User: "u", Password: "p", Database: "extractor",
			},
			expected: "host=db port=5432 user=u password=p dbname=extractor sslmode=disable",
		},
		{
			name: "pgx url form",
			config: Config{
				Driver: DriverPgx, Host: "db", Port: 6543, User: "u", Password: "p", Database: "extractor",
			},
			expected: "postgres://u:p@db:6543/extractor?sslmode=disable",
		},
		{
			name:     "sqlite pragmas",
			config:   Config{Driver: DriverSQLite, Database: "state.db"},
			expected: "state.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestNewClient_SQLite(t *testing.T) {
	client, err := NewClient(&Config{
		Driver:   DriverSQLite,
		Database: filepath.Join(t.TempDir(), "state.db"),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, DriverSQLite, client.Driver())
	require.NoError(t, client.HealthCheck(context.Background()))
	assert.Contains(t, client.Stats(), "MaxOpenConns: 1")
}
