package seed

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestBuildInsertNumbersPlaceholders(t *testing.T) {
	got := buildInsert("account", []string{"id", "name"}, 2)
	want := "INSERT INTO account (id, name) VALUES ($1, $2), ($3, $4)"
	if got != want {
		t.Fatalf("buildInsert() = %q, want %q", got, want)
	}
}

func TestDatasetTablesMatchColumns(t *testing.T) {
	ds := newTestGenerator(3, 2, 30).Generate()
	tables := ds.Tables()
	order := make([]string, 0, len(tables))
	for _, table := range tables {
		order = append(order, table.Name)
		for _, row := range table.Rows {
			if len(row) != len(table.Columns) {
				t.Fatalf("%s row has %d values for %d columns", table.Name, len(row), len(table.Columns))
			}
		}
	}
	if strings.Join(order, ",") != "account,contact,opportunity,referral__c,lead,offer__c" {
		t.Fatalf("insert order = %v", order)
	}
	if len(tables[2].Rows) != 30 {
		t.Fatalf("opportunity rows = %d", len(tables[2].Rows))
	}
}

func TestSeedWritesEveryTableInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ds := newTestGenerator(5, 2, 12).Generate()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE offer__c, lead, referral__c, opportunity, contact, account CASCADE")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	want := map[string]int{}
	for _, table := range ds.Tables() {
		want[table.Name] = len(table.Rows)
		if len(table.Rows) == 0 {
			continue
		}
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO " + table.Name + " (")).
			WillReturnResult(sqlmock.NewResult(0, int64(len(table.Rows))))
	}
	mock.ExpectCommit()

	seeder, err := NewSeeder(db, nil)
	if err != nil {
		t.Fatalf("NewSeeder() error = %v", err)
	}
	counts, err := seeder.Seed(context.Background(), ds, true)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	for name, n := range want {
		if counts[name] != n {
			t.Fatalf("counts[%s] = %d, want %d", name, counts[name], n)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO account").WillReturnError(errors.New("relation \"account\" does not exist"))
	mock.ExpectRollback()

	seeder, err := NewSeeder(db, nil)
	if err != nil {
		t.Fatalf("NewSeeder() error = %v", err)
	}
	_, err = seeder.Seed(context.Background(), newTestGenerator(5, 1, 3).Generate(), false)
	if err == nil || !strings.Contains(err.Error(), "insert account") {
		t.Fatalf("Seed() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewSeederRequiresDB(t *testing.T) {
	if _, err := NewSeeder(nil, nil); err == nil {
		t.Fatal("expected error for nil database")
	}
}
