package schema

import (
	"fmt"
	"strings"
)

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTableSQL returns the statement that creates table t.
func CreateTableSQL(t Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = columnDef(c)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(t.Name), strings.Join(cols, ", "))
}

// DropTableSQL returns the statement that drops a table.
func DropTableSQL(name string) string {
	return fmt.Sprintf("DROP TABLE %s", QuoteIdent(name))
}

// AddColumnSQL returns the statement that adds a column to a table.
func AddColumnSQL(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(table), columnDef(c))
}

// DropColumnSQL returns the statement that removes a column from a table.
func DropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", QuoteIdent(table), QuoteIdent(column))
}

func columnDef(c Column) string {
	def := QuoteIdent(c.Name) + " " + c.Type
	if c.NotNull {
		def += " NOT NULL"
	}
	if c.Default != "" {
		def += " DEFAULT " + c.Default
	}
	return def
}
