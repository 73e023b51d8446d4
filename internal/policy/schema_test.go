package policy

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/scheduling-rule-engine/migrations"
)

// schemaColumns returns the columns CREATE TABLE declares for table in the
// embedded migrations.
func schemaColumns(t *testing.T, table string) map[string]bool {
	t.Helper()
	data, err := fs.ReadFile(migrations.FS, "0001_init.up.sql")
	require.NoError(t, err)

	sql := string(data)
	head := "CREATE TABLE " + table + " ("
	start := strings.Index(sql, head)
	require.NotEqual(t, -1, start, "table %s missing from migration", table)
	body := sql[start+len(head):]
	end := strings.Index(body, "\n);")
	require.NotEqual(t, -1, end)

	cols := map[string]bool{}
	for _, line := range strings.Split(body[:end], "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "PRIMARY", "UNIQUE", "CONSTRAINT", "CHECK", "FOREIGN":
			continue
		}
		cols[fields[0]] = true
	}
	return cols
}

func splitColumns(list string) []string {
	var out []string
	for _, c := range strings.Split(list, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// setColumns extracts the assigned column names from a SET clause.
func setColumns(clause string) []string {
	var out []string
	for _, part := range splitColumns(clause) {
		name, _, _ := strings.Cut(part, "=")
		out = append(out, strings.TrimSpace(name))
	}
	return out
}

// insertPattern matches "INSERT INTO table (cols...)" regardless of layout.
func insertPattern(table, columns string) string {
	quoted := make([]string, 0)
	for _, c := range splitColumns(columns) {
		quoted = append(quoted, regexp.QuoteMeta(c))
	}
	return `INSERT INTO ` + table + ` \(\s*` + strings.Join(quoted, `,\s*`) + `\s*\)`
}

func TestSnapshotStatementsMatchSchema(t *testing.T) {
	cols := schemaColumns(t, "policy_snapshots")

	for _, c := range splitColumns(snapshotInsertColumns) {
		assert.True(t, cols[c], "insert references unknown column policy_snapshots.%s", c)
	}
	for _, c := range setColumns(snapshotActivateSet) {
		assert.True(t, cols[c], "activate references unknown column policy_snapshots.%s", c)
	}
}

func TestSchemaColumnsReadsTable(t *testing.T) {
	cols := schemaColumns(t, "policy_snapshots")
	assert.True(t, cols["activated_at"])
	assert.True(t, cols["compiled_at"])
	assert.False(t, cols["PRIMARY"])
	assert.Equal(t, []string{"status", "activated_at"}, setColumns(snapshotActivateSet))
}
