package warehouse

import (
	"errors"
	"math/big"
	"testing"
)

func TestNormalizeValue(t *testing.T) {
	cases := []struct {
		name    string
		in      any
		decimal bool
		want    any
	}{
		{name: "bytes", in: []byte("abc"), want: "abc"},
		{name: "decimal bytes", in: []byte("12.50"), decimal: true, want: 12.5},
		{name: "decimal garbage stays text", in: "n/a", decimal: true, want: "n/a"},
		{name: "int32", in: int32(7), want: int64(7)},
		{name: "float32", in: float32(1.5), want: float64(1.5)},
		{name: "nil", in: nil, want: nil},
		{name: "hugeint", in: big.NewInt(600000), want: int64(600000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeValue(tc.in, tc.decimal); got != tc.want {
				t.Fatalf("NormalizeValue(%#v) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestQueryErrorMessage(t *testing.T) {
	err := &QueryError{Op: "execute query", Err: errors.New("syntax error at or near \"FORM\"")}
	if err.Error() != `execute query: syntax error at or near "FORM"` {
		t.Fatalf("Error() = %q", err.Error())
	}
	if err.Message() != `syntax error at or near "FORM"` {
		t.Fatalf("Message() = %q", err.Message())
	}
}

func TestFloatAcceptsOnlyNumbers(t *testing.T) {
	if got, ok := Float(int64(7)); !ok || got != 7 {
		t.Fatalf("Float(int64) = %v, %v", got, ok)
	}
	if got, ok := Float(2.5); !ok || got != 2.5 {
		t.Fatalf("Float(float64) = %v, %v", got, ok)
	}
	for _, in := range []any{true, false, "12", nil} {
		if _, ok := Float(in); ok {
			t.Fatalf("Float(%#v) reported numeric", in)
		}
		if IsNumeric(in) {
			t.Fatalf("IsNumeric(%#v) = true", in)
		}
	}
}
