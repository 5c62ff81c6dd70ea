// Package testutil provides shared fixtures for taskdaemon tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
)

// NewTestDB creates a migrated in-memory SQLite database that is closed
// when the test ends.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { _ = database.Close() })

	err = database.Migrate(context.Background())
	require.NoError(t, err, "failed to run migrations")

	return database
}

// TestDBEnv provides a database test environment with every repository.
type TestDBEnv struct {
	DB         *db.DB
	Executions *db.ExecutionRepository
	Progress   *db.ProgressRepository
	Controls   *db.ControlRepository
}

// NewTestDBEnv creates a complete test database environment.
func NewTestDBEnv(t *testing.T) *TestDBEnv {
	t.Helper()
	database := NewTestDB(t)

	return &TestDBEnv{
		DB:         database,
		Executions: db.NewExecutionRepository(database),
		Progress:   db.NewProgressRepository(database),
		Controls:   db.NewControlRepository(database),
	}
}
