package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loanbot/loanbot/internal/warehouse"
)

var ErrUnavailable = errors.New("schema unavailable")

type UnavailableError struct {
	Table string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("schema unavailable for table %q: %v", e.Table, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Catalog is the ordered set of described tables for one session. It is built
// once and never refreshed.
type Catalog struct {
	tables []Table
	index  map[string]int
}

func (c Catalog) Tables() []Table {
	out := make([]Table, len(c.tables))
	copy(out, c.tables)
	return out
}

func (c Catalog) Table(name string) (Table, bool) {
	i, ok := c.index[strings.ToLower(name)]
	if !ok {
		return Table{}, false
	}
	return c.tables[i], true
}

func (c Catalog) Len() int {
	return len(c.tables)
}

// NewCatalog builds a catalog from already-described tables.
func NewCatalog(tables ...Table) (Catalog, error) {
	catalog := Catalog{
		tables: make([]Table, 0, len(tables)),
		index:  make(map[string]int, len(tables)),
	}
	for _, table := range tables {
		key := strings.ToLower(strings.TrimSpace(table.Name))
		if key == "" {
			return Catalog{}, fmt.Errorf("table name is required")
		}
		if _, dup := catalog.index[key]; dup {
			return Catalog{}, fmt.Errorf("duplicate table name %q", table.Name)
		}
		catalog.index[key] = len(catalog.tables)
		columns := make([]Column, len(table.Columns))
		copy(columns, table.Columns)
		catalog.tables = append(catalog.tables, Table{Name: table.Name, Columns: columns})
	}
	return catalog, nil
}

// Describe reads one table's columns. A table with no columns does not exist.
func Describe(ctx context.Context, wh warehouse.Warehouse, tableName string) (Table, error) {
	infos, err := wh.DescribeTable(ctx, tableName)
	if err != nil {
		return Table{}, &UnavailableError{Table: tableName, Err: err}
	}
	if len(infos) == 0 {
		return Table{}, &UnavailableError{Table: tableName, Err: errors.New("table does not exist")}
	}
	columns := make([]Column, 0, len(infos))
	for _, info := range infos {
		columns = append(columns, Column{Name: info.Name, Type: info.Type})
	}
	return Table{Name: tableName, Columns: columns}, nil
}

// Build describes every table in listed order. The first unavailable table
// fails the whole build; no partial catalog is returned.
func Build(ctx context.Context, wh warehouse.Warehouse, tableNames []string) (Catalog, error) {
	if len(tableNames) == 0 {
		return Catalog{}, fmt.Errorf("at least one table name is required")
	}
	seen := make(map[string]struct{}, len(tableNames))
	for _, name := range tableNames {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return Catalog{}, fmt.Errorf("table name is required")
		}
		if _, dup := seen[key]; dup {
			return Catalog{}, fmt.Errorf("duplicate table name %q", name)
		}
		seen[key] = struct{}{}
	}

	tables := make([]Table, 0, len(tableNames))
	for _, name := range tableNames {
		table, err := Describe(ctx, wh, strings.TrimSpace(name))
		if err != nil {
			return Catalog{}, err
		}
		tables = append(tables, table)
	}
	return NewCatalog(tables...)
}
