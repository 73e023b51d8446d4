package pattern

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/scheduling-rule-engine/migrations"
)

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

func insertPattern(table, columns string) string {
	var quoted []string
	for _, c := range splitColumns(columns) {
		quoted = append(quoted, regexp.QuoteMeta(c))
	}
	return `INSERT INTO ` + table + ` \(\s*` + strings.Join(quoted, `,\s*`) + `\s*\)`
}

func TestStatementsMatchSchema(t *testing.T) {
	tests := []struct {
		table   string
		columns string
	}{
		{"pattern_reservations", reservationColumns},
		{"holds", holdColumns},
		{"appointments", appointmentColumns},
		{"reservation_events", eventColumns},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			cols := schemaColumns(t, tt.table)
			for _, c := range splitColumns(tt.columns) {
				assert.True(t, cols[c], "unknown column %s.%s", tt.table, c)
			}
		})
	}
}
