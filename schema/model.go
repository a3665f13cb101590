package schema

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Column is a table column.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`
	Default string `json:"default,omitempty"`
}

// Table is a database table and its columns, in their definition order.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column returns the column with the given name, or nil if it doesn't exist.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// Model is the in-memory representation of the schema of a single schema
// instance, i.e. all tables that share the table prefix. Tables are kept sorted
// by name.
type Model struct {
	Prefix string  `json:"prefix"`
	Tables []Table `json:"tables"`
}

// NewModel returns an empty model for the given table prefix.
func NewModel(prefix string) *Model {
	return &Model{Prefix: prefix, Tables: []Table{}}
}

// Table returns the table with the given full name, or nil if it doesn't exist.
func (m *Model) Table(name string) *Table {
	for i := range m.Tables {
		if strings.EqualFold(m.Tables[i].Name, name) {
			return &m.Tables[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	c := &Model{Prefix: m.Prefix, Tables: make([]Table, len(m.Tables))}
	for i, t := range m.Tables {
		c.Tables[i] = Table{Name: t.Name, Columns: slices.Clone(t.Columns)}
	}
	return c
}

// AddTable adds a new table to the model.
func (m *Model) AddTable(t Table) error {
	if m.Table(t.Name) != nil {
		return fmt.Errorf("table '%s' already exists", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table '%s' has no columns", t.Name)
	}
	seen := map[string]struct{}{}
	for _, col := range t.Columns {
		key := strings.ToLower(col.Name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate column '%s' in table '%s'", col.Name, t.Name)
		}
		seen[key] = struct{}{}
	}

	m.Tables = append(m.Tables, Table{Name: t.Name, Columns: slices.Clone(t.Columns)})
	m.sort()

	return nil
}

// RemoveTable removes a table from the model.
func (m *Model) RemoveTable(name string) error {
	idx := slices.IndexFunc(m.Tables, func(t Table) bool {
		return strings.EqualFold(t.Name, name)
	})
	if idx == -1 {
		return fmt.Errorf("table '%s' doesn't exist", name)
	}
	m.Tables = slices.Delete(m.Tables, idx, idx+1)

	return nil
}

// AddColumn adds a column to an existing table.
func (m *Model) AddColumn(table string, col Column) error {
	t := m.Table(table)
	if t == nil {
		return fmt.Errorf("table '%s' doesn't exist", table)
	}
	if t.Column(col.Name) != nil {
		return fmt.Errorf("column '%s' already exists in table '%s'", col.Name, table)
	}
	t.Columns = append(t.Columns, col)

	return nil
}

// RemoveColumn removes a column from an existing table.
func (m *Model) RemoveColumn(table, column string) error {
	t := m.Table(table)
	if t == nil {
		return fmt.Errorf("table '%s' doesn't exist", table)
	}
	idx := slices.IndexFunc(t.Columns, func(c Column) bool {
		return strings.EqualFold(c.Name, column)
	})
	if idx == -1 {
		return fmt.Errorf("column '%s' doesn't exist in table '%s'", column, table)
	}
	if len(t.Columns) == 1 {
		return fmt.Errorf("can't remove the only column of table '%s'", table)
	}
	t.Columns = slices.Delete(t.Columns, idx, idx+1)

	return nil
}

// Checksum returns a stable fingerprint of the model. Two models with the same
// tables and columns have the same checksum, regardless of identifier case.
func (m *Model) Checksum() string {
	canon := NewModel(strings.ToLower(m.Prefix))
	for _, t := range m.Tables {
		ct := Table{Name: strings.ToLower(t.Name), Columns: make([]Column, len(t.Columns))}
		for i, c := range t.Columns {
			ct.Columns[i] = Column{
				Name:    strings.ToLower(c.Name),
				Type:    strings.ToUpper(strings.TrimSpace(c.Type)),
				NotNull: c.NotNull,
				Default: c.Default,
			}
		}
		canon.Tables = append(canon.Tables, ct)
	}
	canon.sort()

	// Marshalling plain structs can't fail.
	data, _ := json.Marshal(canon)
	sum := blake2b.Sum256(data)

	return base58.Encode(sum[:])
}

func (m *Model) sort() {
	slices.SortStableFunc(m.Tables, func(a, b Table) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
}
