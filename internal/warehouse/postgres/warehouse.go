package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loanbot/loanbot/internal/warehouse"
)

type Config struct {
	Host            string
	Port            int
	User            string
	Database        string
	Schema          string
	SSLMode         string
	// ReadOnly makes every transaction on the pool read-only server-side.
	ReadOnly        bool
	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

const describeTableSQL = `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND lower(table_name) = lower($2)
ORDER BY ordinal_position`

type Warehouse struct {
	db     *sql.DB
	schema string
}

func NewWarehouse(db *sql.DB, schema string) *Warehouse {
	if strings.TrimSpace(schema) == "" {
		schema = "public"
	}
	return &Warehouse{db: db, schema: schema}
}

// Opener returns a warehouse.Opener that dials cfg with the password given at
// connect time.
func Opener(cfg Config) warehouse.Opener {
	return warehouse.OpenerFunc(func(ctx context.Context, credential string) (warehouse.Warehouse, error) {
		return Open(ctx, cfg, credential)
	})
}

func Open(ctx context.Context, cfg Config, password string) (*Warehouse, error) {
	dsn, err := BuildDSN(cfg, password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse db: %w", err)
	}

	return NewWarehouse(db, cfg.Schema), nil
}

func BuildDSN(cfg Config, password string) (string, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return "", fmt.Errorf("warehouse host is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return "", fmt.Errorf("warehouse user is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return "", fmt.Errorf("warehouse database is required")
	}
	if cfg.Port > 0 {
		host = host + ":" + strconv.Itoa(cfg.Port)
	}

	query := url.Values{}
	sslMode := strings.TrimSpace(cfg.SSLMode)
	if sslMode == "" {
		sslMode = "prefer"
	}
	query.Set("sslmode", sslMode)
	if schema := strings.TrimSpace(cfg.Schema); schema != "" {
		query.Set("search_path", schema)
	}
	if cfg.ReadOnly {
		// Unrecognized DSN keys are sent by pgx as startup runtime parameters.
		query.Set("default_transaction_read_only", "on")
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(strings.TrimSpace(cfg.User), password),
		Host:     host,
		Path:     "/" + strings.TrimSpace(cfg.Database),
		RawQuery: query.Encode(),
	}
	return dsn.String(), nil
}

func (w *Warehouse) DescribeTable(ctx context.Context, tableName string) ([]warehouse.ColumnInfo, error) {
	return warehouse.DescribeColumns(ctx, w.db, describeTableSQL, w.schema, tableName)
}

func (w *Warehouse) ExecuteQuery(ctx context.Context, sqlText string) (warehouse.Result, error) {
	return warehouse.Execute(ctx, w.db, sqlText)
}

func (w *Warehouse) Ping(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse db: %w", err)
	}
	return nil
}

func (w *Warehouse) Close() error {
	return w.db.Close()
}
