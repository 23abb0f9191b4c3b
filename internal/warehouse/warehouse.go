package warehouse

import (
	"context"
	"fmt"
	"time"
)

type ColumnInfo struct {
	Name string
	Type string
}

// Result is one executed result set. Rows hold driver values normalized to
// string, bool, int64, float64, time.Time or nil.
type Result struct {
	Columns  []string      `json:"columns"`
	Rows     [][]any       `json:"rows"`
	Duration time.Duration `json:"-"`
}

type Warehouse interface {
	DescribeTable(ctx context.Context, tableName string) ([]ColumnInfo, error)
	ExecuteQuery(ctx context.Context, sqlText string) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Opener builds a Warehouse from fixed connection settings plus the credential
// supplied at connect time.
type Opener interface {
	Open(ctx context.Context, credential string) (Warehouse, error)
}

type OpenerFunc func(ctx context.Context, credential string) (Warehouse, error)

func (f OpenerFunc) Open(ctx context.Context, credential string) (Warehouse, error) {
	return f(ctx, credential)
}

// QueryError carries the underlying driver message of a failed describe or
// execute call.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Message returns the driver message without the operation prefix.
func (e *QueryError) Message() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Err.Error()
}
