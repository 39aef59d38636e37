package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatabaseURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/portal?sslmode=disable", DatabaseURL("postgres://u:p@db:5432/portal?sslmode=disable"))
	require.Equal(t, "pgx5://db/portal", DatabaseURL("postgresql://db/portal"))
	require.Equal(t, "pgx5://db/portal", DatabaseURL("pgx5://db/portal"))
}

func TestEveryUpHasDown(t *testing.T) {
	names, err := fs.Glob(files, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	set := map[string]bool{}
	for _, name := range names {
		set[name] = true
	}
	for _, name := range names {
		if strings.HasSuffix(name, ".up.sql") {
			require.True(t, set[strings.TrimSuffix(name, ".up.sql")+".down.sql"], name)
		}
	}
}

func TestSchemaCoversRepositoryTables(t *testing.T) {
	var all strings.Builder
	names, err := fs.Glob(files, "*.up.sql")
	require.NoError(t, err)
	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		require.NoError(t, err)
		all.Write(data)
	}
	for _, table := range []string{"identities", "credentials", "login_sessions", "donations", "audit_logs", "idempotency_keys"} {
		require.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestDownRejectsNonPositiveSteps(t *testing.T) {
	_, err := Down("postgres://localhost/portal", 0)
	require.Error(t, err)
}
