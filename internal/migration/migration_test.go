package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/tally/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRunAutoMigratesSQLite(t *testing.T) {
	conn := testutil.OpenDB(t)

	require.NoError(t, Run(conn))
	require.NoError(t, Run(conn))

	for _, model := range Models() {
		assert.True(t, conn.Migrator().HasTable(model), "%T", model)
	}
}

func TestEmbeddedMigrationsCoverEveryTable(t *testing.T) {
	up, err := fs.ReadFile(embeddedMigrations, "sql/000001_init.up.sql")
	require.NoError(t, err)
	down, err := fs.ReadFile(embeddedMigrations, "sql/000001_init.down.sql")
	require.NoError(t, err)

	conn := testutil.OpenDB(t)
	for _, model := range Models() {
		stmt := &gorm.Statement{DB: conn}
		require.NoError(t, stmt.Parse(model))
		table := stmt.Schema.Table

		assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table+" (")
		assert.True(t, strings.Contains(string(down), "DROP TABLE IF EXISTS "+table+";"), table)
	}
}
