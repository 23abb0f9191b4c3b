package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loanbot/loanbot/internal/archive"
	"github.com/loanbot/loanbot/internal/auth"
	"github.com/loanbot/loanbot/internal/chat"
	"github.com/loanbot/loanbot/internal/completion"
	"github.com/loanbot/loanbot/internal/config"
	"github.com/loanbot/loanbot/internal/kpi"
	"github.com/loanbot/loanbot/internal/session"
	"github.com/loanbot/loanbot/internal/storage"
	"github.com/loanbot/loanbot/internal/warehouse"
)

const topOfficersReply = "Here are the top officers.\n```sql\nSELECT owner_name, SUM(amount) AS total FROM opportunity GROUP BY owner_name ORDER BY total DESC LIMIT 5\n```"

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}})

	created := env.do(t, http.MethodPost, "/v1/sessions", `{"warehouse_credential":"pw","completion_api_key":"sk-test"}`, "")
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", created.Code, created.Body.String())
	}
	body := decodeBody(t, created)
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatalf("session_id missing: %#v", body)
	}
	tables, _ := body["tables"].([]any)
	if len(tables) != 1 || tables[0] != "OPPORTUNITY" {
		t.Fatalf("tables = %#v", body["tables"])
	}
	if env.openedWith != "pw" || env.apiKey != "sk-test" {
		t.Fatalf("credentials = %q / %q", env.openedWith, env.apiKey)
	}

	turn := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/turns", `{"prompt":"top officers by volume"}`, "")
	if turn.Code != http.StatusOK {
		t.Fatalf("turn status = %d body=%s", turn.Code, turn.Body.String())
	}
	turnBody := decodeBody(t, turn)
	if turnBody["outcome"] != "answered" {
		t.Fatalf("outcome = %v", turnBody["outcome"])
	}
	if !strings.Contains(turnBody["narrative"].(string), "Avery Quinn") {
		t.Fatalf("narrative = %v", turnBody["narrative"])
	}
	assistant := turnBody["turn"].(map[string]any)
	if assistant["chart"] == nil || assistant["result"] == nil {
		t.Fatalf("assistant turn = %#v", assistant)
	}

	messages := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/messages", "", "")
	if messages.Code != http.StatusOK {
		t.Fatalf("messages status = %d", messages.Code)
	}
	history, _ := decodeBody(t, messages)["messages"].([]any)
	if len(history) != 2 {
		t.Fatalf("messages = %#v", history)
	}
	if history[0].(map[string]any)["role"] != "user" || history[1].(map[string]any)["role"] != "assistant" {
		t.Fatalf("roles = %#v", history)
	}

	schemaResp := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/schema?table=opportunity", "", "")
	if schemaResp.Code != http.StatusOK {
		t.Fatalf("schema status = %d", schemaResp.Code)
	}
	if !strings.Contains(schemaResp.Body.String(), `"owner_name"`) {
		t.Fatalf("schema body = %s", schemaResp.Body.String())
	}
	if missing := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/schema?table=LEAD", "", ""); missing.Code != http.StatusNotFound {
		t.Fatalf("missing table status = %d", missing.Code)
	}

	summary := env.do(t, http.MethodGet, "/v1/sessions/"+id, "", "")
	if summary.Code != http.StatusOK {
		t.Fatalf("get status = %d", summary.Code)
	}
	if turns := decodeBody(t, summary)["turns"]; turns != float64(2) {
		t.Fatalf("turns = %v", turns)
	}

	deleted := env.do(t, http.MethodDelete, "/v1/sessions/"+id, "", "")
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete status = %d", deleted.Code)
	}
	if !env.warehouse.isClosed() {
		t.Fatal("warehouse should be closed on disconnect")
	}
	gone := env.do(t, http.MethodGet, "/v1/sessions/"+id, "", "")
	if gone.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", gone.Code)
	}
	if decodeBody(t, gone)["error_code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("body = %s", gone.Body.String())
	}
}

func TestClosedSessionMapsToNotFound(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/session-1/turns", nil)
	req.SetPathValue("id", "session-1")
	writeSessionError(rr, req, chat.ErrSessionClosed)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestCreateSessionConnectionErrors(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}})

	missing := env.do(t, http.MethodPost, "/v1/sessions", `{"warehouse_credential":"pw"}`, "")
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("missing key status = %d", missing.Code)
	}
	body := decodeBody(t, missing)
	if body["error_code"] != "CONNECTION_FAILED" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
	if body["context"].(map[string]any)["stage"] != "credentials" {
		t.Fatalf("context = %#v", body["context"])
	}

	env.openErr = errors.New("password authentication failed")
	badPassword := env.do(t, http.MethodPost, "/v1/sessions", `{"warehouse_credential":"wrong","completion_api_key":"sk"}`, "")
	if badPassword.Code != http.StatusBadGateway {
		t.Fatalf("bad password status = %d", badPassword.Code)
	}
	if !strings.Contains(badPassword.Body.String(), "password authentication failed") {
		t.Fatalf("body = %s", badPassword.Body.String())
	}

	unknown := env.do(t, http.MethodPost, "/v1/sessions", `{"password":"pw"}`, "")
	if unknown.Code != http.StatusBadRequest || decodeBody(t, unknown)["error_code"] != "INVALID_JSON" {
		t.Fatalf("unknown field status = %d body=%s", unknown.Code, unknown.Body.String())
	}
}

func TestCreateSessionTooMany(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}, MaxSessions: 1})

	first := env.do(t, http.MethodPost, "/v1/sessions", `{"warehouse_credential":"pw","completion_api_key":"sk"}`, "")
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/v1/sessions", `{"warehouse_credential":"pw","completion_api_key":"sk"}`, "")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", second.Code)
	}
}

func TestTurnEventStream(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}})
	id := env.connect(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/turns", strings.NewReader(`{"prompt":"top officers"}`))
	req.Header.Set("Accept", "text/event-stream")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := parseEvents(t, rr.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %#v", events)
	}
	if events[0].name != "delta" || events[1].name != "delta" || events[2].name != "result" {
		t.Fatalf("event names = %#v", events)
	}
	var delta map[string]string
	if err := json.Unmarshal([]byte(events[0].data), &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta["text"] != topOfficersReply[:20] {
		t.Fatalf("delta = %#v", delta)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(events[2].data), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["outcome"] != "answered" || result["reply"] != topOfficersReply {
		t.Fatalf("result = %#v", result)
	}
}

func TestTurnEventStreamRejectedTurnIsJSON(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}})
	id := env.connect(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/turns", strings.NewReader(`{"prompt":"   "}`))
	req.Header.Set("Accept", "text/event-stream")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "PROMPT_REQUIRED" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestTurnInProgressReturnsConflict(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}})
	started := make(chan struct{})
	release := make(chan struct{})
	env.client = &blockingClient{started: started, release: release}
	id := env.connect(t, "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/turns", strings.NewReader(`{"prompt":"first"}`)))
		if rr.Code != http.StatusOK {
			t.Errorf("first turn status = %d", rr.Code)
		}
	}()

	<-started
	second := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/turns", `{"prompt":"second"}`, "")
	close(release)
	wg.Wait()

	if second.Code != http.StatusConflict {
		t.Fatalf("second status = %d", second.Code)
	}
	body := decodeBody(t, second)
	if body["error_code"] != "TURN_IN_PROGRESS" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
}

func TestKPIEndpoints(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}, KPIEnabled: true})
	id := env.connect(t, "")

	cached := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/kpis", "", "")
	if cached.Code != http.StatusOK {
		t.Fatalf("kpis status = %d body=%s", cached.Code, cached.Body.String())
	}
	var response struct {
		Report       kpi.Report `json:"report"`
		Presentation struct {
			Narrative string `json:"narrative"`
		} `json:"presentation"`
	}
	if err := json.Unmarshal(cached.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode kpis: %v", err)
	}
	if len(response.Report.Scores) != len(kpi.Definitions) {
		t.Fatalf("scores = %d", len(response.Report.Scores))
	}
	if !strings.Contains(response.Presentation.Narrative, "KPI") {
		t.Fatalf("narrative = %q", response.Presentation.Narrative)
	}

	before := env.warehouse.queryCount()
	refreshed := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/kpis?refresh=true", "", "")
	if refreshed.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", refreshed.Code)
	}
	if got := env.warehouse.queryCount() - before; got != len(kpi.Definitions) {
		t.Fatalf("refresh ran %d queries", got)
	}
	if bad := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/kpis?refresh=maybe", "", ""); bad.Code != http.StatusBadRequest {
		t.Fatalf("bad refresh status = %d", bad.Code)
	}
}

func TestKPIEndpointDisabled(t *testing.T) {
	env := newTestEnv(t, map[string]string{}, session.Config{Tables: []string{"OPPORTUNITY"}})
	id := env.connect(t, "")

	rr := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/kpis", "", "")
	if rr.Code != http.StatusNotFound || decodeBody(t, rr)["error_code"] != "KPI_DISABLED" {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t, map[string]string{"LOANBOT_AUTH_REQUIRED": "true"}, session.Config{Tables: []string{"OPPORTUNITY"}})

	if rr := env.do(t, http.MethodGet, "/v1/sessions", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rr.Code)
	}

	id := env.connect(t, "alice-key")

	if rr := env.do(t, http.MethodGet, "/v1/sessions/"+id, "", "bob-key"); rr.Code != http.StatusNotFound {
		t.Fatalf("bob get status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/turns", `{"prompt":"hi"}`, "bob-key"); rr.Code != http.StatusNotFound {
		t.Fatalf("bob turn status = %d", rr.Code)
	}
	bobList := env.do(t, http.MethodGet, "/v1/sessions", "", "bob-key")
	if sessions, _ := decodeBody(t, bobList)["sessions"].([]any); len(sessions) != 0 {
		t.Fatalf("bob sessions = %#v", sessions)
	}

	owned := env.do(t, http.MethodGet, "/v1/sessions/"+id, "", "alice-key")
	if owned.Code != http.StatusOK || decodeBody(t, owned)["owner"] != "alice" {
		t.Fatalf("alice get status = %d body=%s", owned.Code, owned.Body.String())
	}
	opsList := env.do(t, http.MethodGet, "/v1/sessions", "", "ops-key")
	if sessions, _ := decodeBody(t, opsList)["sessions"].([]any); len(sessions) != 1 {
		t.Fatalf("operator sessions = %#v", sessions)
	}

	forbidden := env.do(t, http.MethodPost, "/v1/sessions", `{"warehouse_credential":"pw","completion_api_key":"sk"}`, "ops-key")
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("operator create status = %d", forbidden.Code)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	archives := &fakeArchives{transcripts: map[string]archive.Transcript{
		"s-1": {SessionID: "s-1", Owner: "alice"},
	}}
	env := newTestEnv(t, map[string]string{"LOANBOT_AUTH_REQUIRED": "true"}, session.Config{Tables: []string{"OPPORTUNITY"}})
	env.deps.Archives = archives
	env.rebuild(t)

	if rr := env.do(t, http.MethodGet, "/v1/archives/s-1", "", "bob-key"); rr.Code != http.StatusNotFound {
		t.Fatalf("bob archive status = %d", rr.Code)
	}
	got := env.do(t, http.MethodGet, "/v1/archives/s-1", "", "alice-key")
	if got.Code != http.StatusOK || decodeBody(t, got)["session_id"] != "s-1" {
		t.Fatalf("alice archive status = %d body=%s", got.Code, got.Body.String())
	}
	if rr := env.do(t, http.MethodGet, "/v1/archives/..bad", "", "alice-key"); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid id status = %d", rr.Code)
	}
	deleted := env.do(t, http.MethodDelete, "/v1/archives/s-1", "", "ops-key")
	if deleted.Code != http.StatusOK || decodeBody(t, deleted)["deleted_objects"] != float64(2) {
		t.Fatalf("delete status = %d body=%s", deleted.Code, deleted.Body.String())
	}
	if rr := env.do(t, http.MethodGet, "/v1/archives/s-1", "", "alice-key"); rr.Code != http.StatusNotFound {
		t.Fatalf("after delete status = %d", rr.Code)
	}

	env.deps.Archives = nil
	env.rebuild(t)
	if rr := env.do(t, http.MethodGet, "/v1/archives/s-1", "", "alice-key"); rr.Code != http.StatusNotImplemented {
		t.Fatalf("unconfigured status = %d", rr.Code)
	}
}

type testEnv struct {
	cfg     config.Config
	deps    Dependencies
	handler http.Handler

	warehouse  *fakeWarehouse
	client     completion.Client
	openErr    error
	openedWith string
	apiKey     string
}

func newTestEnv(t *testing.T, env map[string]string, sessionCfg session.Config) *testEnv {
	t.Helper()
	cfg, err := config.Load("loanbot-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	te := &testEnv{
		cfg:       cfg,
		warehouse: newFakeWarehouse(),
		client:    &scriptedClient{fragments: []string{topOfficersReply[:20], topOfficersReply[20:]}},
	}
	opener := warehouse.OpenerFunc(func(_ context.Context, credential string) (warehouse.Warehouse, error) {
		if te.openErr != nil {
			return nil, te.openErr
		}
		te.openedWith = credential
		return te.warehouse, nil
	})
	manager, err := session.NewManager(sessionCfg, session.Dependencies{
		Warehouse: opener,
		Completion: func(apiKey string) (completion.Client, error) {
			te.apiKey = apiKey
			return te.client, nil
		},
		Clock: func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	validator, err := auth.NewStaticAPIKeyValidator("alice-key:alice:chat,bob-key:bob:chat,ops-key:ops:operator")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	te.deps = Dependencies{
		Sessions:       manager,
		AuthMiddleware: auth.Middleware(nil, validator),
	}
	te.rebuild(t)
	return te
}

func (te *testEnv) rebuild(t *testing.T) {
	t.Helper()
	te.handler = NewHandler(te.cfg, te.deps)
}

func (te *testEnv) connect(t *testing.T, apiKey string) string {
	t.Helper()
	rr := te.do(t, http.MethodPost, "/v1/sessions", `{"warehouse_credential":"pw","completion_api_key":"sk"}`, apiKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect status = %d body=%s", rr.Code, rr.Body.String())
	}
	return decodeBody(t, rr)["session_id"].(string)
}

func (te *testEnv) do(t *testing.T, method, target, body, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	te.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v (body=%s)", err, rr.Body.String())
	}
	return body
}

func containsAll(s string, parts ...string) bool {
	for _, part := range parts {
		if !strings.Contains(s, part) {
			return false
		}
	}
	return true
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var event sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				event.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				event.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if event.name == "" {
			t.Fatalf("malformed event block %q", block)
		}
		events = append(events, event)
	}
	return events
}

type fakeWarehouse struct {
	mu      sync.Mutex
	queries []string
	closed  bool
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{}
}

func (f *fakeWarehouse) DescribeTable(_ context.Context, name string) ([]warehouse.ColumnInfo, error) {
	if !strings.EqualFold(name, "OPPORTUNITY") {
		return nil, nil
	}
	return []warehouse.ColumnInfo{{Name: "owner_name", Type: "VARCHAR"}, {Name: "amount", Type: "DOUBLE"}}, nil
}

func (f *fakeWarehouse) ExecuteQuery(_ context.Context, sqlText string) (warehouse.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, sqlText)
	f.mu.Unlock()
	if strings.HasPrefix(sqlText, "SELECT owner_name") {
		return warehouse.Result{
			Columns: []string{"owner_name", "total"},
			Rows:    [][]any{{"Avery Quinn", 900000.0}, {"Blake Moreno", 800000.0}},
		}, nil
	}
	return warehouse.Result{Columns: []string{"value"}, Rows: [][]any{{int64(3)}}}, nil
}

func (f *fakeWarehouse) Ping(context.Context) error { return nil }

func (f *fakeWarehouse) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWarehouse) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeWarehouse) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type scriptedClient struct {
	fragments []string
}

func (c *scriptedClient) StreamChat(context.Context, []completion.Message) (completion.Stream, error) {
	return &sliceStream{fragments: append([]string(nil), c.fragments...)}, nil
}

type sliceStream struct {
	fragments []string
}

func (s *sliceStream) Next() (string, error) {
	if len(s.fragments) == 0 {
		return "", io.EOF
	}
	next := s.fragments[0]
	s.fragments = s.fragments[1:]
	return next, nil
}

func (s *sliceStream) Close() error { return nil }

type blockingClient struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingClient) StreamChat(context.Context, []completion.Message) (completion.Stream, error) {
	close(c.started)
	<-c.release
	return &sliceStream{fragments: []string{"No query needed."}}, nil
}

type fakeArchives struct {
	transcripts map[string]archive.Transcript
}

func (f *fakeArchives) Transcript(_ context.Context, sessionID string) (archive.Transcript, error) {
	if _, err := storage.SessionPrefix(sessionID); err != nil {
		return archive.Transcript{}, err
	}
	transcript, ok := f.transcripts[sessionID]
	if !ok {
		return archive.Transcript{}, storage.ErrObjectNotFound
	}
	return transcript, nil
}

func (f *fakeArchives) Delete(_ context.Context, sessionID string) (int, error) {
	if _, ok := f.transcripts[sessionID]; !ok {
		return 0, storage.ErrObjectNotFound
	}
	delete(f.transcripts, sessionID)
	return 2, nil
}
