package prompt

import (
	"strconv"
	"strings"

	"github.com/loanbot/loanbot/internal/schema"
)

const preamble = `You are an AI SQL expert named LoanBot. Your goal is to give correct, executable SQL queries to users asking about loan officer performance and related financial data. You will be replying to users who will be confused if you don't respond in the character of LoanBot.

The user will ask questions about loan officer performance and financial data; for each question, you should respond and include a SQL query based on the question and the available tables.`

const introduction = `Now to get started, please briefly introduce yourself, describe the available data at a high level, and share some example metrics that can be analyzed in 2-3 sentences. Then provide 3 example questions using bullet points.`

// DefaultRules is the generation contract. Rule 1 fixes the delimiter the
// extractor depends on.
var DefaultRules = []string{
	"You MUST MUST wrap the generated SQL queries within ```sql code markdown",
	"If I don't tell you to find a limited set of results in the sql query or question, you MUST limit the number of responses to 10.",
	"Text / string where clauses must be fuzzy match e.g ilike %keyword%",
	"Make sure to generate a single SQL code snippet, not multiple.",
	"You should only use the table columns given in the table context, you MUST NOT use columns that are not listed in the schema.",
	"DO NOT put numerical at the very front of SQL variable.",
	"For boolean conditions, use the actual boolean values TRUE or FALSE without quotes, not string representations.",
	"When joining tables, make sure to use appropriate join conditions based on the available columns.",
	"If a question requires data from multiple tables, use appropriate JOINs to combine the necessary information.",
	"Always consider data types when comparing or manipulating values in your queries.",
}

// Assemble renders the system prompt. The output depends only on its inputs.
func Assemble(catalog schema.Catalog, rules []string) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\n<table_context>\n")
	b.WriteString(TableContext(catalog))
	b.WriteString("\n</table_context>\n\n")
	b.WriteString("Here are critical rules for the interaction you must abide:\n<rules>\n")
	for i, rule := range rules {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(strings.TrimSpace(rule))
		b.WriteString("\n")
	}
	b.WriteString("</rules>\n\n")
	b.WriteString(introduction)
	return b.String()
}

// TableContext renders each table once with its columns in catalog order.
func TableContext(catalog schema.Catalog) string {
	tables := catalog.Tables()
	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		columns := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			if column.Type == "" {
				columns = append(columns, column.Name)
				continue
			}
			columns = append(columns, column.Name+" ("+column.Type+")")
		}
		blocks = append(blocks, "Table: "+table.Name+"\nColumns: "+strings.Join(columns, ", "))
	}
	return strings.Join(blocks, "\n\n")
}
