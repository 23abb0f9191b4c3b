package present

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/loanbot/loanbot/internal/warehouse"
)

const (
	NoRowsMessage = "I've run the query, but it looks like there were no results matching the criteria. " +
		"Would you like me to modify the query or check something else for you?"
	ChartSentence = "I've also created a bar chart to visualize this data for you. " +
		"Does this help illustrate the information more clearly?"

	tablePreamble = "I've got the results for you! Here's what I found:"
	tableOffer    = "Would you like me to explain any part of these results in more detail?"

	// ValuePlaceholder is replaced with the currency-formatted first-row value.
	ValuePlaceholder = "{value}"

	ChartKindBar = "bar"
)

// DefaultTemplates maps an aggregate column name to its single-value narrative.
var DefaultTemplates = map[string]string{
	"BOOK_OF_BUSINESS_VALUE": "Great question! I've analyzed your book of business, and I'm excited to share the results with you. " +
		"The total value of your closed and funded loans under management is {value}. " +
		"This represents the cumulative amount of all your successfully closed opportunities. " +
		"It's an impressive figure that showcases your performance and the trust your clients place in you. " +
		"Is there anything specific about this value you'd like to know more about, " +
		"such as how it compares to previous periods or your goals?",
}

type ChartPoint struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
}

type ChartSpec struct {
	Kind   string       `json:"kind"`
	Title  string       `json:"title"`
	XField string       `json:"x_field"`
	YField string       `json:"y_field"`
	Points []ChartPoint `json:"points"`
}

type Presentation struct {
	Narrative string     `json:"narrative"`
	Table     string     `json:"table,omitempty"`
	Chart     *ChartSpec `json:"chart,omitempty"`
}

type Presenter struct {
	templates map[string]string
}

// NewPresenter indexes templates by upper-cased column name. A nil map selects
// DefaultTemplates; an empty map disables single-value narratives.
func NewPresenter(templates map[string]string) *Presenter {
	if templates == nil {
		templates = DefaultTemplates
	}
	index := make(map[string]string, len(templates))
	for column, message := range templates {
		column = strings.ToUpper(strings.TrimSpace(column))
		if column == "" || strings.TrimSpace(message) == "" {
			continue
		}
		index[column] = message
	}
	return &Presenter{templates: index}
}

func (p *Presenter) Present(result warehouse.Result) Presentation {
	if len(result.Rows) == 0 {
		return Presentation{Narrative: NoRowsMessage}
	}

	table := RenderTable(result.Columns, result.Rows)
	var narrative string
	if message, idx, ok := p.template(result.Columns); ok {
		narrative = strings.ReplaceAll(message, ValuePlaceholder, Currency(result.Rows[0][idx]))
	} else {
		narrative = tablePreamble + "\n\n" + table + "\n" + tableOffer
	}

	out := Presentation{Narrative: narrative, Table: table}
	if chart, ok := BarChart(result); ok {
		out.Chart = &chart
		out.Narrative += "\n\n" + ChartSentence
	}
	return out
}

func (p *Presenter) template(columns []string) (string, int, bool) {
	for idx, column := range columns {
		if message, ok := p.templates[strings.ToUpper(column)]; ok {
			return message, idx, true
		}
	}
	return "", 0, false
}

// BarChart builds a chart keyed on the first two columns when every non-null
// value of the second column is numeric. Other columns are never considered.
func BarChart(result warehouse.Result) (ChartSpec, bool) {
	if len(result.Columns) < 2 || len(result.Rows) == 0 {
		return ChartSpec{}, false
	}
	points := make([]ChartPoint, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) < 2 || row[1] == nil {
			continue
		}
		if !warehouse.IsNumeric(row[1]) {
			return ChartSpec{}, false
		}
		value, _ := warehouse.Float(row[1])
		points = append(points, ChartPoint{Category: FormatValue(row[0]), Value: value})
	}
	if len(points) == 0 {
		return ChartSpec{}, false
	}
	x, y := result.Columns[0], result.Columns[1]
	return ChartSpec{
		Kind:   ChartKindBar,
		Title:  y + " by " + x,
		XField: x,
		YField: y,
		Points: points,
	}, true
}

// RenderTable renders rows as a plain text grid.
func RenderTable(columns []string, rows [][]any) string {
	var out strings.Builder
	table := tablewriter.NewWriter(&out)
	table.SetHeader(columns)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i := range cells {
			if i < len(row) {
				cells[i] = FormatValue(row[i])
			}
		}
		table.Append(cells)
	}
	table.Render()
	return out.String()
}

func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format(time.DateOnly)
		}
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// Currency formats a value as dollars with thousands separators and two
// decimals. Non-numeric values are rendered as-is.
func Currency(value any) string {
	f, ok := warehouse.Float(value)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return FormatValue(value)
	}
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}
	return sign + "$" + humanize.FormatFloat("#,###.##", f)
}
