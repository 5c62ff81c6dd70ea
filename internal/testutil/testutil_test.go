package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTestDBEnvIsMigrated(t *testing.T) {
	env := NewTestDBEnv(t)

	version, err := env.DB.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Greater(t, version, 0)
}

func TestInitRepo(t *testing.T) {
	dir := InitRepo(t)

	require.Equal(t, "main", Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
	head := Commit(t, dir, "b.txt", "two\n")
	require.Equal(t, head, Git(t, dir, "rev-parse", "HEAD"))
}
