package warehouse

import (
	"context"
	"database/sql"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Querier is the subset of *sql.DB both SQL backends run against.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DescribeColumns reads (column_name, data_type) pairs in ordinal order.
func DescribeColumns(ctx context.Context, db Querier, query string, args ...any) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Op: "describe table", Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns := make([]ColumnInfo, 0)
	for rows.Next() {
		var column ColumnInfo
		var dataType sql.NullString
		if err := rows.Scan(&column.Name, &dataType); err != nil {
			return nil, &QueryError{Op: "scan column", Err: err}
		}
		column.Type = dataType.String
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Op: "iterate columns", Err: err}
	}
	return columns, nil
}

// Execute runs sqlText verbatim and scans every row.
func Execute(ctx context.Context, db Querier, sqlText string) (Result, error) {
	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, &QueryError{Op: "execute query", Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, &QueryError{Op: "query columns", Err: err}
	}
	decimal := decimalColumns(rows)

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, &QueryError{Op: "scan row", Err: err}
		}
		resultRows = append(resultRows, normalizeValues(values, decimal))
	}
	if err := rows.Err(); err != nil {
		return Result{}, &QueryError{Op: "iterate rows", Err: err}
	}

	return Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func decimalColumns(rows *sql.Rows) []bool {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil
	}
	decimal := make([]bool, len(types))
	for i, columnType := range types {
		switch strings.ToUpper(columnType.DatabaseTypeName()) {
		case "NUMERIC", "DECIMAL", "NUMBER":
			decimal[i] = true
		}
	}
	return decimal
}

func normalizeValues(values []any, decimal []bool) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		isDecimal := i < len(decimal) && decimal[i]
		normalized[i] = NormalizeValue(value, isDecimal)
	}
	return normalized
}

// NormalizeValue converts driver values into the small set of types the
// presenter understands. Decimal columns arrive as text from some drivers and
// are parsed into float64.
func NormalizeValue(value any, decimal bool) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeText(string(typed), decimal)
	case string:
		return normalizeText(typed, decimal)
	case int:
		return int64(typed)
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint64:
		return float64(typed)
	case float32:
		return float64(typed)
	case *big.Int:
		if typed.IsInt64() {
			return typed.Int64()
		}
		f, _ := new(big.Float).SetInt(typed).Float64()
		return f
	case interface{ Float64() float64 }:
		return typed.Float64()
	case interface{ Float64() (float64, error) }:
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return value
	default:
		return value
	}
}

func normalizeText(value string, decimal bool) any {
	if !decimal {
		return value
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return value
	}
	return parsed
}

// IsNumeric reports whether a normalized value is a number.
func IsNumeric(value any) bool {
	switch value.(type) {
	case int64, float64:
		return true
	default:
		return false
	}
}

// Float converts a normalized numeric value to float64.
func Float(value any) (float64, bool) {
	switch typed := value.(type) {
	case int64:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		return 0, false
	}
}
