package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loanbot/loanbot/internal/completion"
	"github.com/loanbot/loanbot/internal/kpi"
	"github.com/loanbot/loanbot/internal/present"
	"github.com/loanbot/loanbot/internal/warehouse"
)

const topFiveReply = "Here are your top performers:\n```sql\n" +
	"SELECT owner_name, SUM(amount) AS total FROM opportunity WHERE stagename = 'Closed Won' " +
	"GROUP BY owner_name ORDER BY total DESC LIMIT 5\n```\nLet me run that."

func TestAskTopFiveOfficers(t *testing.T) {
	names := []string{"Avery Quinn", "Blake Moreno", "Casey Shah", "Devon Ito", "Emery Cole"}
	rows := make([][]any, 0, len(names))
	for i, name := range names {
		rows = append(rows, []any{name, float64(900000 - i*100000)})
	}
	wh := &fakeWarehouse{result: warehouse.Result{Columns: []string{"owner_name", "total"}, Rows: rows}}
	client := &fakeClient{replies: [][]string{{"Here are your top ", "performers:\n```sql\nSELECT owner_name, SUM(amount) AS total FROM opportunity WHERE stagename = 'Closed Won' GROUP BY owner_name ORDER BY total DESC LIMIT 5\n```\nLet me run that."}}}
	session := newTestSession(t, wh, client, nil)

	var fragments []string
	result, err := session.Ask(context.Background(), "show me the top 5 loan officers by closed volume", func(fragment string) {
		fragments = append(fragments, fragment)
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Outcome != OutcomeAnswered {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if len(fragments) != 2 {
		t.Fatalf("fragments = %#v", fragments)
	}
	if result.Reply != topFiveReply {
		t.Fatalf("reply = %q", result.Reply)
	}
	wantSQL := "SELECT owner_name, SUM(amount) AS total FROM opportunity WHERE stagename = 'Closed Won' GROUP BY owner_name ORDER BY total DESC LIMIT 5"
	if len(wh.queries) != 1 || wh.queries[0] != wantSQL {
		t.Fatalf("queries = %#v", wh.queries)
	}
	for _, name := range names {
		if !strings.Contains(result.Narrative, name) {
			t.Fatalf("narrative missing %q", name)
		}
	}
	chart := result.Turn.Chart
	if chart == nil || chart.XField != "owner_name" || chart.YField != "total" || len(chart.Points) != 5 {
		t.Fatalf("chart = %#v", chart)
	}
	if result.Turn.Result == nil || len(result.Turn.Result.Rows) != 5 {
		t.Fatalf("turn result = %#v", result.Turn.Result)
	}
	if !strings.HasPrefix(result.Turn.Content, topFiveReply+"\n\n") {
		t.Fatalf("content = %q", result.Turn.Content)
	}

	history := session.Conversation().History()
	if len(history) != 2 || history[0].Role != completion.RoleUser || history[1].Role != completion.RoleAssistant {
		t.Fatalf("history = %#v", history)
	}
	if history[1].Outcome != OutcomeAnswered || history[1].Query != wantSQL {
		t.Fatalf("assistant turn = %#v", history[1])
	}
}

func TestAskNonexistentColumnApologizes(t *testing.T) {
	driverMessage := `column "loan_officer" does not exist`
	wh := &fakeWarehouse{err: &warehouse.QueryError{Op: "execute query", Err: errors.New(driverMessage)}}
	reply := "Sure thing!\n```sql\nSELECT loan_officer FROM opportunity\n```"
	session := newTestSession(t, wh, &fakeClient{replies: [][]string{{reply}}}, nil)

	result, err := session.Ask(context.Background(), "who is the best loan officer?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Outcome != OutcomeQueryFailed {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if !strings.Contains(result.Narrative, "I apologize") || !strings.Contains(result.Narrative, driverMessage) {
		t.Fatalf("narrative = %q", result.Narrative)
	}
	if result.Error != driverMessage {
		t.Fatalf("error = %q", result.Error)
	}
	turns := session.Conversation().History()
	last := turns[len(turns)-1]
	if !strings.HasPrefix(last.Content, reply) || !strings.Contains(last.Content, driverMessage) {
		t.Fatalf("assistant content = %q", last.Content)
	}
	if last.Result != nil || last.Chart != nil {
		t.Fatalf("failed turn must not carry results: %#v", last)
	}

	wh.err = nil
	wh.result = warehouse.Result{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}
	client := session.completion.(*fakeClient)
	client.replies = append(client.replies, []string{"```sql\nSELECT 1 AS n\n```"})
	if next, err := session.Ask(context.Background(), "try again"); err != nil || next.Outcome != OutcomeAnswered {
		t.Fatalf("follow-up outcome = %s err = %v", next.Outcome, err)
	}
}

func TestAskWithoutQueryBlock(t *testing.T) {
	wh := &fakeWarehouse{}
	reply := "Hi! I'm LoanBot. Ask me about closed volume or KPI trends."
	session := newTestSession(t, wh, &fakeClient{replies: [][]string{{reply}}}, nil)

	result, err := session.Ask(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Outcome != OutcomeNoQuery || result.Turn.Content != reply || result.Error != "" {
		t.Fatalf("result = %#v", result)
	}
	if len(wh.queries) != 0 {
		t.Fatalf("unexpected queries %#v", wh.queries)
	}
}

func TestAskCompletionFailureKeepsPartialText(t *testing.T) {
	client := &fakeClient{
		replies: [][]string{{"Let me look"}},
		errs:    []error{errors.New("stream reset")},
	}
	session := newTestSession(t, &fakeWarehouse{}, client, nil)

	result, err := session.Ask(context.Background(), "volume by month")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Outcome != OutcomeCompletionFailed {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if !strings.HasPrefix(result.Turn.Content, "Let me look\n\n") || !strings.Contains(result.Turn.Content, "stream reset") {
		t.Fatalf("content = %q", result.Turn.Content)
	}

	client.startErr = errors.New("connection refused")
	result, err = session.Ask(context.Background(), "again")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Outcome != OutcomeCompletionFailed || !strings.HasPrefix(result.Turn.Content, "I apologize") {
		t.Fatalf("result = %#v", result)
	}
	if got := session.Conversation().Len(); got != 5 {
		t.Fatalf("conversation length = %d", got)
	}
}

func TestAskPassesDestructiveQueryVerbatim(t *testing.T) {
	wh := &fakeWarehouse{result: warehouse.Result{Columns: []string{"ok"}}}
	reply := "```sql\nDROP TABLE opportunity; SELECT 1\n```"
	session := newTestSession(t, wh, &fakeClient{replies: [][]string{{reply}}}, nil)

	result, err := session.Ask(context.Background(), "clean up")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(wh.queries) != 1 || wh.queries[0] != "DROP TABLE opportunity; SELECT 1" {
		t.Fatalf("queries = %#v", wh.queries)
	}
	if result.Narrative != present.NoRowsMessage {
		t.Fatalf("narrative = %q", result.Narrative)
	}
}

func TestAskRejectsOverlappingTurns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &blockingClient{started: started, release: release}
	session := newTestSession(t, &fakeWarehouse{}, client, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := session.Ask(context.Background(), "first"); err != nil {
			t.Errorf("first Ask() error = %v", err)
		}
	}()
	<-started

	if _, err := session.Ask(context.Background(), "second"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("second Ask() error = %v, want ErrTurnInProgress", err)
	}
	if _, err := session.RefreshKPIs(context.Background()); err == nil {
		t.Fatal("expected refresh to fail while kpis are disabled")
	}
	close(release)
	wg.Wait()

	if got := session.Conversation().Len(); got != 3 {
		t.Fatalf("conversation length = %d", got)
	}
}

func TestAskRejectsEmptyPrompt(t *testing.T) {
	session := newTestSession(t, &fakeWarehouse{}, &fakeClient{}, nil)
	if _, err := session.Ask(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("error = %v", err)
	}
	if session.Conversation().Len() != 1 {
		t.Fatal("empty prompt must not be appended")
	}
}

func TestAskRoutesKPIIntent(t *testing.T) {
	wh := &fakeWarehouse{result: warehouse.Result{Columns: []string{"v"}, Rows: [][]any{{int64(5)}}}}
	client := &fakeClient{}
	reporter := &kpi.Reporter{Definitions: []kpi.Definition{
		{Name: "Referral Rates", Query: "SELECT COUNT(*) FROM referral__c", Impact: 7, MaxPossible: 500},
	}}
	session := newTestSession(t, wh, client, reporter)

	result, err := session.Ask(context.Background(), "Show me the KPI Scores please")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Outcome != OutcomeKPIReport {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if client.calls != 0 {
		t.Fatalf("completion calls = %d", client.calls)
	}
	if result.Turn.Chart == nil || result.Turn.Chart.Title != kpi.ChartTitle {
		t.Fatalf("chart = %#v", result.Turn.Chart)
	}
	report, ok := session.KPIReport()
	if !ok || len(report.Scores) != 1 || report.Scores[0].Raw != 5 {
		t.Fatalf("cached report = %#v ok=%v", report, ok)
	}
}

func TestAskSendsHistoryWindow(t *testing.T) {
	client := &fakeClient{replies: [][]string{{"one"}, {"two"}, {"three"}}}
	session := newTestSession(t, &fakeWarehouse{}, client, nil)
	session.config.HistoryWindow = 3

	for _, text := range []string{"a", "b", "c"} {
		if _, err := session.Ask(context.Background(), text); err != nil {
			t.Fatalf("Ask(%q) error = %v", text, err)
		}
	}
	last := client.requests[len(client.requests)-1]
	if len(last) != 4 {
		t.Fatalf("messages = %#v", last)
	}
	if last[0].Role != completion.RoleSystem || last[1].Content != "b" || last[2].Content != "two" || last[3].Content != "c" {
		t.Fatalf("messages = %#v", last)
	}
}

func TestConversationRejectsSecondSystemTurn(t *testing.T) {
	conversation := NewConversation("prompt", time.Now())
	if err := conversation.Append(Turn{Role: completion.RoleSystem, Content: "override"}); err == nil {
		t.Fatal("expected error")
	}
	if conversation.System().Content != "prompt" {
		t.Fatalf("system = %#v", conversation.System())
	}
}

func TestCloseReleasesWarehouse(t *testing.T) {
	wh := &fakeWarehouse{}
	session := newTestSession(t, wh, &fakeClient{}, nil)
	if err := session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !wh.closed {
		t.Fatal("expected warehouse to be closed")
	}
}

func TestClosedSessionRejectsTurns(t *testing.T) {
	wh := &fakeWarehouse{}
	reporter := &kpi.Reporter{Definitions: []kpi.Definition{
		{Name: "Referral Rates", Query: "SELECT COUNT(*) FROM referral__c", Impact: 7, MaxPossible: 500},
	}}
	session := newTestSession(t, wh, &fakeClient{replies: [][]string{{"hello"}}}, reporter)
	if err := session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := session.Ask(context.Background(), "how many loans?"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Ask() error = %v", err)
	}
	if _, err := session.RefreshKPIs(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("RefreshKPIs() error = %v", err)
	}
	if got := session.Conversation().Len(); got != 1 {
		t.Fatalf("conversation len = %d, want only the system turn", got)
	}
	if len(wh.queries) != 0 {
		t.Fatalf("queries = %v", wh.queries)
	}
}

func newTestSession(t *testing.T, wh warehouse.Warehouse, client completion.Client, reporter *kpi.Reporter) *Session {
	t.Helper()
	session, err := NewSession(Options{
		ID:         "session-1",
		Prompt:     "You are LoanBot.",
		Warehouse:  wh,
		Completion: client,
		KPIs:       reporter,
		Config:     Config{TurnTimeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return session
}

type fakeWarehouse struct {
	mu      sync.Mutex
	result  warehouse.Result
	err     error
	queries []string
	closed  bool
}

func (f *fakeWarehouse) DescribeTable(context.Context, string) ([]warehouse.ColumnInfo, error) {
	return nil, nil
}

func (f *fakeWarehouse) ExecuteQuery(_ context.Context, sqlText string) (warehouse.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sqlText)
	if f.err != nil {
		return warehouse.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeWarehouse) Ping(context.Context) error { return nil }

func (f *fakeWarehouse) Close() error {
	f.closed = true
	return nil
}

// fakeClient replays one fragment list per call; errs[i] ends call i after its
// fragments.
type fakeClient struct {
	replies  [][]string
	errs     []error
	startErr error
	calls    int
	requests [][]completion.Message
}

func (f *fakeClient) StreamChat(_ context.Context, messages []completion.Message) (completion.Stream, error) {
	f.requests = append(f.requests, messages)
	if f.startErr != nil {
		return nil, f.startErr
	}
	idx := f.calls
	f.calls++
	stream := &fakeStream{}
	if idx < len(f.replies) {
		stream.fragments = f.replies[idx]
	}
	if idx < len(f.errs) {
		stream.err = f.errs[idx]
	}
	return stream, nil
}

type fakeStream struct {
	fragments []string
	err       error
}

func (s *fakeStream) Next() (string, error) {
	if len(s.fragments) > 0 {
		next := s.fragments[0]
		s.fragments = s.fragments[1:]
		return next, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type blockingClient struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingClient) StreamChat(context.Context, []completion.Message) (completion.Stream, error) {
	close(c.started)
	<-c.release
	return &fakeStream{fragments: []string{"done"}}, nil
}
