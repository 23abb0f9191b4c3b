package kpi

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loanbot/loanbot/internal/observability"
	"github.com/loanbot/loanbot/internal/present"
	"github.com/loanbot/loanbot/internal/warehouse"
)

const (
	ColumnKPI         = "KPI"
	ColumnRaw         = "KPI Score"
	ColumnImpact      = "LO Impact Score"
	ColumnAchievement = "DINO LO % Achievement"
	ColumnRanking     = "LO Ranking Score"

	ChartTitle = "Loan Officer KPI Ranking Scores"

	narrativePreamble = "Here's a comprehensive analysis of the Loan Officer's KPI scores:"
	narrativeOffer    = "Would you like me to explain any specific KPI or score in more detail?"
)

type Score struct {
	Name        string  `json:"name"`
	Raw         float64 `json:"raw"`
	Impact      float64 `json:"impact"`
	Achievement float64 `json:"achievement"`
	Ranking     float64 `json:"ranking"`
	Error       string  `json:"error,omitempty"`
}

type Report struct {
	Scores     []Score   `json:"scores"`
	ComputedAt time.Time `json:"computed_at"`
}

// Failed returns the names of KPIs whose query failed.
func (r Report) Failed() []string {
	var out []string
	for _, score := range r.Scores {
		if score.Error != "" {
			out = append(out, score.Name)
		}
	}
	return out
}

func (r Report) Score(name string) (Score, bool) {
	for _, score := range r.Scores {
		if score.Name == name {
			return score, true
		}
	}
	return Score{}, false
}

// Result renders the report as a result set, one row per KPI.
func (r Report) Result() warehouse.Result {
	out := warehouse.Result{
		Columns: []string{ColumnKPI, ColumnRaw, ColumnImpact, ColumnAchievement, ColumnRanking},
		Rows:    make([][]any, 0, len(r.Scores)),
	}
	for _, score := range r.Scores {
		out.Rows = append(out.Rows, []any{score.Name, score.Raw, score.Impact, score.Achievement, score.Ranking})
	}
	return out
}

// Presentation is the chat answer for a KPI request: the score table and a
// bar chart of ranking scores per KPI.
func (r Report) Presentation() present.Presentation {
	result := r.Result()
	table := present.RenderTable(result.Columns, result.Rows)
	chart := &present.ChartSpec{
		Kind:   present.ChartKindBar,
		Title:  ChartTitle,
		XField: ColumnKPI,
		YField: ColumnRanking,
		Points: make([]present.ChartPoint, 0, len(r.Scores)),
	}
	for _, score := range r.Scores {
		chart.Points = append(chart.Points, present.ChartPoint{Category: score.Name, Value: score.Ranking})
	}
	return present.Presentation{
		Narrative: narrativePreamble + "\n\n" + table + "\n" + narrativeOffer,
		Table:     table,
		Chart:     chart,
	}
}

// Achievement converts a raw score into a percentage of the maximum possible.
// Inverse KPIs score max(0, (max-raw)/max)*100; all others min(100, raw/max*100).
// A zero denominator yields 0.
func Achievement(def Definition, raw float64) float64 {
	if def.MaxPossible == 0 {
		return 0
	}
	if def.Inverse {
		return math.Max(0, (def.MaxPossible-raw)/def.MaxPossible) * 100
	}
	return math.Min(100, raw/def.MaxPossible*100)
}

func Ranking(impact, achievement float64) float64 {
	return impact * achievement / 10
}

type Reporter struct {
	Definitions []Definition
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Compute runs every KPI query independently. A failing or non-numeric query
// scores 0 and is logged; the report itself never fails.
func (r *Reporter) Compute(ctx context.Context, wh warehouse.Warehouse) Report {
	r.ensureDefaults()

	report := Report{Scores: make([]Score, 0, len(r.Definitions))}
	for _, def := range r.Definitions {
		raw, err := rawScore(ctx, wh, def)
		score := Score{Name: def.Name, Raw: raw, Impact: def.Impact}
		if err != nil {
			score.Raw = 0
			score.Error = err.Error()
			if r.Logger != nil {
				r.Logger.WarnContext(ctx, "kpi query failed",
					slog.String("kpi", def.Name),
					slog.Any("error", err),
				)
			}
		}
		score.Achievement = Achievement(def, score.Raw)
		score.Ranking = Ranking(def.Impact, score.Achievement)
		report.Scores = append(report.Scores, score)
	}
	report.ComputedAt = r.Clock().UTC()
	observability.ObserveKPIReport(report.Failed())
	return report
}

func (r *Reporter) ensureDefaults() {
	if r.Definitions == nil {
		r.Definitions = Definitions
	}
	if r.Clock == nil {
		r.Clock = time.Now
	}
}

func rawScore(ctx context.Context, wh warehouse.Warehouse, def Definition) (float64, error) {
	result, err := wh.ExecuteQuery(ctx, def.Query)
	if err != nil {
		return 0, err
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 || result.Rows[0][0] == nil {
		return 0, nil
	}
	value, ok := warehouse.Float(result.Rows[0][0])
	if !ok {
		return 0, fmt.Errorf("non-numeric kpi value %T", result.Rows[0][0])
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, nil
	}
	return value, nil
}
