package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/loanbot/loanbot/internal/warehouse"
)

// Config points at a local DuckDB database file. An empty Path opens an
// in-memory database.
type Config struct {
	Path     string
	Schema   string
	ReadOnly bool
}

const describeTableSQL = `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = ? AND lower(table_name) = lower(?)
ORDER BY ordinal_position`

type Warehouse struct {
	db     *sql.DB
	schema string
}

// Opener ignores the credential: DuckDB files carry no authentication.
func Opener(cfg Config) warehouse.Opener {
	return warehouse.OpenerFunc(func(ctx context.Context, _ string) (warehouse.Warehouse, error) {
		return Open(ctx, cfg)
	})
}

func Open(ctx context.Context, cfg Config) (*Warehouse, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if cfg.ReadOnly && dsn != "" {
		dsn += "?access_mode=read_only"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return NewWarehouse(db, cfg.Schema), nil
}

func NewWarehouse(db *sql.DB, schema string) *Warehouse {
	if strings.TrimSpace(schema) == "" {
		schema = "main"
	}
	return &Warehouse{db: db, schema: schema}
}

func (w *Warehouse) DescribeTable(ctx context.Context, tableName string) ([]warehouse.ColumnInfo, error) {
	return warehouse.DescribeColumns(ctx, w.db, describeTableSQL, w.schema, tableName)
}

func (w *Warehouse) ExecuteQuery(ctx context.Context, sqlText string) (warehouse.Result, error) {
	return warehouse.Execute(ctx, w.db, sqlText)
}

func (w *Warehouse) Ping(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping duckdb: %w", err)
	}
	return nil
}

func (w *Warehouse) Close() error {
	return w.db.Close()
}

// DB exposes the handle for seeding local demo data.
func (w *Warehouse) DB() *sql.DB {
	return w.db
}
