// Package seed generates a deterministic demo loan book and writes it to the
// Postgres warehouse created by the migrations package.
package seed

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

const (
	StageProspecting   = "Prospecting"
	StageQualification = "Qualification"
	StageProposal      = "Proposal"
	StageClosedWon     = "Closed Won"
	StageClosedLost    = "Closed Lost"
)

var (
	officerNames = []string{
		"Alice Moreno", "Brian Okafor", "Carla Jensen", "Deepak Rao", "Elena Petrova",
		"Frank Li", "Grace Kim", "Hector Alvarez", "Ines Duarte", "Jamal Wright",
	}
	firstNames = []string{"Ava", "Ben", "Chloe", "Dan", "Emma", "Finn", "Gia", "Hugo", "Ivy", "Jon"}
	lastNames  = []string{"Baker", "Chen", "Diaz", "Evans", "Fischer", "Garcia", "Hughes", "Ito", "Jones", "Khan"}
	industries = []string{"Residential", "Construction", "Hospitality", "Retail", "Agriculture"}
	states     = []string{"CA", "TX", "NY", "FL", "WA", "CO"}
	loanTypes  = []string{"Fixed", "ARM", "FHA"}
	leadSource = []string{"Web", "Referral", "Event", "Partner"}
)

type Officer struct {
	ID   string
	Name string
}

type Account struct {
	ID          string
	Name        string
	Industry    string
	State       string
	ReviewStars float64
	CreatedAt   time.Time
}

type Contact struct {
	ID        string
	AccountID string
	FirstName string
	LastName  string
	Email     string
}

type Opportunity struct {
	ID                  string
	Name                string
	AccountID           string
	OwnerID             string
	OwnerName           string
	Stage               string
	Type                string
	LoanType            string
	Amount              float64
	Revenue             float64
	Cost                float64
	OriginationFees     float64
	Products            int
	ClosedOpportunities int
	Compliant           bool
	CreatedDate         time.Time
	CloseDate           *time.Time
}

type Referral struct {
	ID            string
	OpportunityID string
	ReferredBy    string
	CreatedAt     time.Time
}

type Lead struct {
	ID        string
	FirstName string
	LastName  string
	Company   string
	Status    string
	Source    string
	OwnerID   string
	Converted bool
	CreatedAt time.Time
}

type Offer struct {
	ID            string
	OpportunityID string
	Rate          float64
	TermMonths    int
	Accepted      bool
}

// Dataset is one generated loan book.
type Dataset struct {
	Officers      []Officer
	Accounts      []Account
	Contacts      []Contact
	Opportunities []Opportunity
	Referrals     []Referral
	Leads         []Lead
	Offers        []Offer
}

type Generator struct {
	rnd           *rand.Rand
	officers      int
	opportunities int
	now           func() time.Time
}

func NewGenerator(seed int64, officers, opportunities int) *Generator {
	if officers <= 0 {
		officers = 1
	}
	if opportunities < 0 {
		opportunities = 0
	}
	return &Generator{
		rnd:           rand.New(rand.NewSource(seed)),
		officers:      officers,
		opportunities: opportunities,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Generate builds a dataset; opportunities are spread over the two years
// before now so the market share KPI has both comparison windows.
func (g *Generator) Generate() Dataset {
	today := truncateDay(g.now())
	var ds Dataset

	for i := 0; i < g.officers; i++ {
		name := officerNames[i%len(officerNames)]
		if i >= len(officerNames) {
			name = fmt.Sprintf("%s %d", name, i/len(officerNames)+1)
		}
		ds.Officers = append(ds.Officers, Officer{ID: fmt.Sprintf("005%012d", i+1), Name: name})
	}

	accountCount := g.opportunities/3 + 1
	for i := 0; i < accountCount; i++ {
		last := pickOne(g.rnd, lastNames)
		account := Account{
			ID:          fmt.Sprintf("001%012d", i+1),
			Name:        fmt.Sprintf("%s %s Holdings", last, pickOne(g.rnd, industries)),
			Industry:    pickOne(g.rnd, industries),
			State:       pickOne(g.rnd, states),
			ReviewStars: round2(2.5 + g.rnd.Float64()*2.5),
			CreatedAt:   today.AddDate(0, 0, -g.rnd.Intn(900)-30),
		}
		ds.Accounts = append(ds.Accounts, account)
		first := pickOne(g.rnd, firstNames)
		ds.Contacts = append(ds.Contacts, Contact{
			ID:        fmt.Sprintf("003%012d", i+1),
			AccountID: account.ID,
			FirstName: first,
			LastName:  last,
			Email:     fmt.Sprintf("%s.%s%d@example.com", strings.ToLower(first), strings.ToLower(last), i+1),
		})
	}

	closedWon := map[string]int{}
	for i := 0; i < g.opportunities; i++ {
		officer := ds.Officers[g.rnd.Intn(len(ds.Officers))]
		account := ds.Accounts[g.rnd.Intn(len(ds.Accounts))]
		stage := g.pickStage()
		amount := round2(50000 + g.rnd.Float64()*850000)
		revenue := round2(amount * (0.01 + g.rnd.Float64()*0.02))
		created := today.AddDate(0, 0, -g.rnd.Intn(720)-1)

		opp := Opportunity{
			ID:              fmt.Sprintf("006%012d", i+1),
			Name:            fmt.Sprintf("%s loan %d", account.Name, i+1),
			AccountID:       account.ID,
			OwnerID:         officer.ID,
			OwnerName:       officer.Name,
			Stage:           stage,
			Type:            pickOne(g.rnd, []string{"New Business", "Refinance", "Purchase"}),
			LoanType:        pickOne(g.rnd, loanTypes),
			Amount:          amount,
			Revenue:         revenue,
			Cost:            round2(revenue * (0.3 + g.rnd.Float64()*0.5)),
			OriginationFees: round2(amount * (0.005 + g.rnd.Float64()*0.005)),
			Products:        g.rnd.Intn(3) + 1,
			Compliant:       g.rnd.Intn(100) < 95,
			CreatedDate:     created,
		}
		if stage == StageClosedLost && g.rnd.Intn(4) == 0 {
			opp.Type = "Default"
		}
		if stage == StageClosedWon || stage == StageClosedLost {
			closed := created.AddDate(0, 0, g.rnd.Intn(55)+5)
			if closed.After(today) {
				closed = today
			}
			opp.CloseDate = &closed
		}
		if stage == StageClosedWon {
			closedWon[account.ID]++
		}
		ds.Opportunities = append(ds.Opportunities, opp)

		if g.rnd.Intn(10) < 3 {
			ds.Referrals = append(ds.Referrals, Referral{
				ID:            fmt.Sprintf("a0R%012d", len(ds.Referrals)+1),
				OpportunityID: opp.ID,
				ReferredBy:    pickOne(g.rnd, firstNames) + " " + pickOne(g.rnd, lastNames),
				CreatedAt:     created,
			})
		}
		if stage == StageProposal || stage == StageClosedWon {
			ds.Offers = append(ds.Offers, Offer{
				ID:            fmt.Sprintf("a0O%012d", len(ds.Offers)+1),
				OpportunityID: opp.ID,
				Rate:          round3(4.5 + g.rnd.Float64()*3),
				TermMonths:    pickInt(g.rnd, []int{180, 240, 360}),
				Accepted:      stage == StageClosedWon,
			})
		}
	}
	for i := range ds.Opportunities {
		ds.Opportunities[i].ClosedOpportunities = closedWon[ds.Opportunities[i].AccountID]
	}

	for i := 0; i < g.opportunities/4; i++ {
		ds.Leads = append(ds.Leads, Lead{
			ID:        fmt.Sprintf("00Q%012d", i+1),
			FirstName: pickOne(g.rnd, firstNames),
			LastName:  pickOne(g.rnd, lastNames),
			Company:   pickOne(g.rnd, lastNames) + " " + pickOne(g.rnd, industries),
			Status:    pickOne(g.rnd, []string{"Open", "Working", "Qualified", "Unqualified"}),
			Source:    pickOne(g.rnd, leadSource),
			OwnerID:   ds.Officers[g.rnd.Intn(len(ds.Officers))].ID,
			Converted: g.rnd.Intn(5) == 0,
			CreatedAt: today.AddDate(0, 0, -g.rnd.Intn(365)),
		})
	}
	return ds
}

func (g *Generator) pickStage() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 15:
		return StageProspecting
	case p < 30:
		return StageQualification
	case p < 40:
		return StageProposal
	case p < 80:
		return StageClosedWon
	default:
		return StageClosedLost
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func round3(value float64) float64 {
	return math.Round(value*1000) / 1000
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}

func pickInt(r *rand.Rand, values []int) int {
	return values[r.Intn(len(values))]
}
