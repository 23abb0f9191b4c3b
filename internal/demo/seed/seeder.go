package seed

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// maxParams stays under the Postgres limit of 65535 bind parameters.
const maxParams = 60000

// seededTables is truncated on reset; children first.
var seededTables = []string{
	"offer__c", "lead", "referral__c", "opportunity", "contact", "account",
}

// TableRows is one table's insert payload.
type TableRows struct {
	Name    string
	Columns []string
	Rows    [][]any
}

type Seeder struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSeeder(db *sql.DB, logger *slog.Logger) (*Seeder, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Seeder{db: db, log: logger}, nil
}

// Seed writes ds in one transaction. With reset the seeded tables are
// truncated first. It returns the inserted row count per table.
func (s *Seeder) Seed(ctx context.Context, ds Dataset, reset bool) (map[string]int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if reset {
		if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+strings.Join(seededTables, ", ")+" CASCADE"); err != nil {
			return nil, fmt.Errorf("truncate demo tables: %w", err)
		}
	}

	counts := map[string]int{}
	for _, table := range ds.Tables() {
		if err := insertRows(ctx, tx, table); err != nil {
			return nil, err
		}
		counts[table.Name] = len(table.Rows)
		s.log.Info("seeded demo table", slog.String("table", table.Name), slog.Int("rows", len(table.Rows)))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit seed: %w", err)
	}
	return counts, nil
}

// Tables flattens ds into insert order.
func (ds Dataset) Tables() []TableRows {
	accounts := TableRows{Name: "account", Columns: []string{"id", "name", "type", "industry", "billingstate", "reviewstarrating__c", "createddate"}}
	for _, a := range ds.Accounts {
		accounts.Rows = append(accounts.Rows, []any{a.ID, a.Name, "Customer", a.Industry, a.State, a.ReviewStars, a.CreatedAt})
	}
	contacts := TableRows{Name: "contact", Columns: []string{"id", "accountid", "firstname", "lastname", "email"}}
	for _, c := range ds.Contacts {
		contacts.Rows = append(contacts.Rows, []any{c.ID, c.AccountID, c.FirstName, c.LastName, c.Email})
	}
	opportunities := TableRows{Name: "opportunity", Columns: []string{
		"id", "name", "accountid", "ownerid", "owner_name", "stagename", "type", "loantype__c",
		"amount", "revenue__c", "cost__c", "origination_fees__c", "number_of_products__c",
		"number_of_closed_opportunities__c", "iscompliant__c", "createddate", "closedate",
	}}
	for _, o := range ds.Opportunities {
		var closeDate any
		if o.CloseDate != nil {
			closeDate = *o.CloseDate
		}
		opportunities.Rows = append(opportunities.Rows, []any{
			o.ID, o.Name, o.AccountID, o.OwnerID, o.OwnerName, o.Stage, o.Type, o.LoanType,
			o.Amount, o.Revenue, o.Cost, o.OriginationFees, o.Products,
			o.ClosedOpportunities, o.Compliant, o.CreatedDate, closeDate,
		})
	}
	referrals := TableRows{Name: "referral__c", Columns: []string{"id", "name", "opportunity__c", "referred_by__c", "createddate"}}
	for _, r := range ds.Referrals {
		referrals.Rows = append(referrals.Rows, []any{r.ID, "Referral " + r.ID, r.OpportunityID, r.ReferredBy, r.CreatedAt})
	}
	leads := TableRows{Name: "lead", Columns: []string{"id", "firstname", "lastname", "company", "status", "leadsource", "ownerid", "isconverted", "createddate"}}
	for _, l := range ds.Leads {
		leads.Rows = append(leads.Rows, []any{l.ID, l.FirstName, l.LastName, l.Company, l.Status, l.Source, l.OwnerID, l.Converted, l.CreatedAt})
	}
	offers := TableRows{Name: "offer__c", Columns: []string{"id", "opportunity__c", "rate__c", "term_months__c", "accepted__c"}}
	for _, o := range ds.Offers {
		offers.Rows = append(offers.Rows, []any{o.ID, o.OpportunityID, o.Rate, o.TermMonths, o.Accepted})
	}
	return []TableRows{accounts, contacts, opportunities, referrals, leads, offers}
}

func insertRows(ctx context.Context, tx *sql.Tx, table TableRows) error {
	if len(table.Rows) == 0 {
		return nil
	}
	batch := maxParams / len(table.Columns)
	for start := 0; start < len(table.Rows); start += batch {
		end := min(start+batch, len(table.Rows))
		rows := table.Rows[start:end]
		args := make([]any, 0, len(rows)*len(table.Columns))
		for _, row := range rows {
			if len(row) != len(table.Columns) {
				return fmt.Errorf("insert %s: row has %d values, want %d", table.Name, len(row), len(table.Columns))
			}
			args = append(args, row...)
		}
		if _, err := tx.ExecContext(ctx, buildInsert(table.Name, table.Columns, len(rows)), args...); err != nil {
			return fmt.Errorf("insert %s: %w", table.Name, err)
		}
	}
	return nil
}

func buildInsert(table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	param := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(param))
			param++
		}
		b.WriteByte(')')
	}
	return b.String()
}
