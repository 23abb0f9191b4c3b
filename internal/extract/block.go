// Package extract pulls the generated query out of an assistant reply.
//
// The rule is fixed: find the first "```sql" fence followed by a newline, then
// take the shortest span up to the next newline followed by "```". The span is
// taken literally and trimmed. Fences are not nested: a second opening fence
// inside the span is ordinary text, and every block after the first is ignored.
// The tag is case-sensitive and CRLF line endings do not open a block.
package extract

import "strings"

const (
	OpenFence  = "```sql\n"
	CloseFence = "\n```"
)

// Query returns the first fenced SQL block in text. A block that is empty after
// trimming counts as absent.
func Query(text string) (string, bool) {
	start := strings.Index(text, OpenFence)
	if start < 0 {
		return "", false
	}
	body := text[start+len(OpenFence):]
	end := strings.Index(body, CloseFence)
	if end < 0 {
		return "", false
	}
	sql := strings.TrimSpace(body[:end])
	if sql == "" {
		return "", false
	}
	return sql, true
}
