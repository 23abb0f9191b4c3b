package kpi

// Definition is one fixed KPI: the aggregate query producing its raw score,
// its impact weight, and the maximum possible score used as the achievement
// denominator. Inverse KPIs are better when lower.
type Definition struct {
	Name        string
	Query       string
	Impact      float64
	MaxPossible float64
	Inverse     bool
}

const (
	TimeToClose  = "Time to Close"
	DefaultRates = "Default Rates"
	LoanTypes    = "Loan Types"
)

// Definitions is the static KPI table in report order. Queries run unchanged
// on Postgres and DuckDB.
var Definitions = []Definition{
	{
		Name:        "Total Number of Loans Closed",
		Query:       "SELECT COUNT(*) FROM opportunity WHERE stagename = 'Closed Won'",
		Impact:      9,
		MaxPossible: 1000,
	},
	{
		Name:        "Total Dollar Value of Loans Closed",
		Query:       "SELECT SUM(amount) FROM opportunity WHERE stagename = 'Closed Won'",
		Impact:      10,
		MaxPossible: 100000000,
	},
	{
		// Only the first column (fixed-rate count) is scored.
		Name: LoanTypes,
		Query: `SELECT
    COUNT(CASE WHEN loantype__c = 'Fixed' THEN 1 END) AS fixed,
    COUNT(CASE WHEN loantype__c = 'ARM' THEN 1 END) AS arm,
    COUNT(CASE WHEN loantype__c = 'FHA' THEN 1 END) AS fha
FROM opportunity WHERE stagename = 'Closed Won'`,
		Impact:      6,
		MaxPossible: 100,
	},
	{
		Name:        "Average Loan Size",
		Query:       "SELECT AVG(amount) FROM opportunity WHERE stagename = 'Closed Won'",
		Impact:      8,
		MaxPossible: 500000,
	},
	{
		Name: "Loan Approval Rate",
		Query: `SELECT COUNT(CASE WHEN stagename = 'Closed Won' THEN 1 END) * 100.0 / NULLIF(COUNT(*), 0)
FROM opportunity`,
		Impact:      7,
		MaxPossible: 100,
	},
	{
		Name:        "Customer Satisfaction Scores",
		Query:       "SELECT AVG(reviewstarrating__c) FROM account",
		Impact:      8,
		MaxPossible: 5,
	},
	{
		Name:        "Referral Rates",
		Query:       "SELECT COUNT(*) FROM referral__c",
		Impact:      7,
		MaxPossible: 500,
	},
	{
		Name: TimeToClose,
		Query: `SELECT AVG(CAST(closedate AS DATE) - CAST(createddate AS DATE))
FROM opportunity WHERE stagename = 'Closed Won'`,
		Impact:      6,
		MaxPossible: 30,
		Inverse:     true,
	},
	{
		Name:        DefaultRates,
		Query:       "SELECT COUNT(*) FROM opportunity WHERE stagename = 'Closed Lost' AND type = 'Default'",
		Impact:      8,
		MaxPossible: 0,
		Inverse:     true,
	},
	{
		Name: "Market Share Growth",
		Query: `SELECT
    (SELECT COUNT(*) FROM opportunity
        WHERE stagename = 'Closed Won' AND closedate >= CURRENT_DATE - INTERVAL '1 year') * 100.0 /
    NULLIF((SELECT COUNT(*) FROM opportunity
        WHERE stagename = 'Closed Won'
          AND closedate < CURRENT_DATE - INTERVAL '1 year'
          AND closedate >= CURRENT_DATE - INTERVAL '2 years'), 0) - 100`,
		Impact:      6,
		MaxPossible: 20,
	},
	{
		Name:        "Regulatory Compliance",
		Query:       "SELECT COUNT(*) FROM opportunity WHERE iscompliant__c = TRUE",
		Impact:      9,
		MaxPossible: 100,
	},
	{
		Name:        "Profitability per Loan",
		Query:       "SELECT AVG(revenue__c - cost__c) FROM opportunity WHERE stagename = 'Closed Won'",
		Impact:      7,
		MaxPossible: 10000,
	},
	{
		Name: "Adaptability to Market Changes",
		Query: `SELECT STDDEV(amount) / NULLIF(AVG(amount), 0) * 100
FROM opportunity WHERE stagename = 'Closed Won'`,
		Impact:      5,
		MaxPossible: 100,
	},
	{
		Name:        "Cross-Selling Ratio",
		Query:       "SELECT AVG(number_of_products__c) FROM opportunity WHERE stagename = 'Closed Won'",
		Impact:      4,
		MaxPossible: 3,
	},
	{
		Name: "Repeat Business Rate",
		Query: `SELECT
    COUNT(DISTINCT CASE WHEN number_of_closed_opportunities__c > 1 THEN accountid END) * 100.0 /
    NULLIF(COUNT(DISTINCT accountid), 0)
FROM opportunity WHERE stagename = 'Closed Won'`,
		Impact:      7,
		MaxPossible: 100,
	},
	{
		Name: "Conversion Rate",
		Query: `SELECT
    COUNT(CASE WHEN stagename = 'Closed Won' THEN 1 END) * 100.0 /
    NULLIF(COUNT(CASE WHEN stagename IN ('Prospecting', 'Qualification') THEN 1 END), 0)
FROM opportunity`,
		Impact:      6,
		MaxPossible: 100,
	},
	{
		Name:        "Loan Origination Fees",
		Query:       "SELECT AVG(origination_fees__c) FROM opportunity WHERE stagename = 'Closed Won'",
		Impact:      5,
		MaxPossible: 5000,
	},
}
