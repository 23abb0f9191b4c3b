package loanbotctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"github.com/loanbot/loanbot/internal/present"
)

type Options struct {
	BaseURL             string
	APIKey              string
	WarehouseCredential string
	CompletionAPIKey    string
	Timeout             time.Duration
	// Spinner shows progress on Stderr while a turn is waiting for its first
	// fragment. Only enable it when Stderr is a terminal.
	Spinner bool
	// Color enables ANSI colors on Stdout and Stderr.
	Color      bool
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type runner struct {
	client  *http.Client
	baseURL string
	apiKey  string
	spinner bool
	stdout  io.Writer
	stderr  io.Writer
	palette palette
}

type palette struct {
	user      *color.Color
	assistant *color.Color
	warn      *color.Color
	err       *color.Color
	dim       *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		user:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen),
		warn:      color.New(color.FgYellow),
		err:       color.New(color.FgRed),
		dim:       color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.user, p.assistant, p.warn, p.err, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("loanbotctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "LoanBot API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	warehouseCredential := fs.String("warehouse-credential", defaults.WarehouseCredential, "warehouse password used by connect")
	completionKey := fs.String("completion-key", defaults.CompletionAPIKey, "completion API key used by connect")
	refresh := fs.Bool("refresh", false, "recompute the KPI report (kpis command)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 3*time.Minute), "HTTP timeout (e.g. 90s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	r := &runner{
		client:  client,
		baseURL: strings.TrimRight(*baseURL, "/"),
		apiKey:  strings.TrimSpace(*apiKey),
		spinner: defaults.Spinner,
		stdout:  stdout,
		stderr:  stderr,
		palette: newPalette(defaults.Color),
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	needsSession := map[string]bool{
		"ask": true, "history": true, "kpis": true, "schema": true, "show": true, "disconnect": true,
	}
	if needsSession[command] && len(rest) < 1 {
		_, _ = fmt.Fprintf(stderr, "%s requires a session id\n\n", command)
		writeUsage(stderr)
		return 2
	}

	switch command {
	case "health":
		return r.printJSON(ctx, http.MethodGet, "/v1/health", nil)
	case "ready":
		return r.printJSON(ctx, http.MethodGet, "/v1/ready", nil)
	case "sessions":
		return r.printJSON(ctx, http.MethodGet, "/v1/sessions", nil)
	case "show":
		return r.printJSON(ctx, http.MethodGet, sessionPath(rest[0], ""), nil)
	case "connect":
		return r.connect(ctx, *warehouseCredential, *completionKey)
	case "ask":
		prompt := strings.TrimSpace(strings.Join(rest[1:], " "))
		if prompt == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a prompt")
			return 2
		}
		return r.ask(ctx, rest[0], prompt)
	case "history":
		return r.history(ctx, rest[0])
	case "kpis":
		return r.kpis(ctx, rest[0], *refresh)
	case "schema":
		return r.schema(ctx, rest[0])
	case "disconnect":
		return r.printJSON(ctx, http.MethodDelete, sessionPath(rest[0], ""), nil)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func (r *runner) connect(ctx context.Context, warehouseCredential, completionKey string) int {
	var created struct {
		SessionID string   `json:"session_id"`
		Tables    []string `json:"tables"`
	}
	payload := map[string]string{
		"warehouse_credential": warehouseCredential,
		"completion_api_key":   completionKey,
	}
	if code := r.callJSON(ctx, http.MethodPost, "/v1/sessions", payload, &created); code != 0 {
		return code
	}
	_, _ = fmt.Fprintln(r.stdout, created.SessionID)
	_, _ = r.palette.dim.Fprintf(r.stderr, "connected; %d tables described: %s\n", len(created.Tables), strings.Join(created.Tables, ", "))
	return 0
}

type turnResult struct {
	Outcome   string `json:"outcome"`
	Reply     string `json:"reply"`
	Narrative string `json:"narrative"`
	Turn      struct {
		Query string `json:"query"`
	} `json:"turn"`
}

// ask streams the turn over server-sent events, printing fragments as they
// arrive and the narrative once the result event is received.
func (r *runner) ask(ctx context.Context, sessionID, prompt string) int {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "encode request: %v\n", err)
		return 1
	}
	req, err := r.newRequest(ctx, http.MethodPost, sessionPath(sessionID, "/turns"), bytes.NewReader(body))
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1
	}
	req.Header.Set("Accept", "text/event-stream")

	progress := r.startSpinner()
	resp, err := r.client.Do(req)
	if err != nil {
		progress.stop()
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		progress.stop()
		raw, _ := io.ReadAll(resp.Body)
		_, _ = r.palette.err.Fprintf(r.stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(raw)))
		return 1
	}

	var result *turnResult
	streamed := false
	err = readEvents(resp.Body, func(event, data string) error {
		switch event {
		case "delta":
			progress.stop()
			var delta struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				return fmt.Errorf("decode delta: %w", err)
			}
			streamed = true
			_, _ = r.palette.assistant.Fprint(r.stdout, delta.Text)
		case "result":
			progress.stop()
			var decoded turnResult
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			result = &decoded
		}
		return nil
	})
	progress.stop()
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "\nstream failed: %v\n", err)
		return 1
	}
	if result == nil {
		_, _ = fmt.Fprintln(r.stderr, "\nstream ended without a result")
		return 1
	}

	if streamed {
		_, _ = fmt.Fprintln(r.stdout)
	}
	if result.Narrative != "" {
		_, _ = fmt.Fprintln(r.stdout)
		switch result.Outcome {
		case "query_failed", "completion_failed":
			_, _ = r.palette.warn.Fprintln(r.stdout, result.Narrative)
		default:
			_, _ = fmt.Fprintln(r.stdout, result.Narrative)
		}
	}
	if result.Turn.Query != "" {
		_, _ = r.palette.dim.Fprintf(r.stderr, "query: %s\n", result.Turn.Query)
	}
	_, _ = r.palette.dim.Fprintf(r.stderr, "outcome: %s\n", result.Outcome)
	return 0
}

func (r *runner) history(ctx context.Context, sessionID string) int {
	var response struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
			Query   string `json:"query"`
		} `json:"messages"`
	}
	if code := r.callJSON(ctx, http.MethodGet, sessionPath(sessionID, "/messages"), nil, &response); code != 0 {
		return code
	}
	for _, message := range response.Messages {
		switch message.Role {
		case "user":
			_, _ = r.palette.user.Fprintf(r.stdout, "you> ")
			_, _ = fmt.Fprintln(r.stdout, message.Content)
		default:
			_, _ = r.palette.assistant.Fprintf(r.stdout, "loanbot> ")
			_, _ = fmt.Fprintln(r.stdout, message.Content)
		}
		_, _ = fmt.Fprintln(r.stdout)
	}
	return 0
}

func (r *runner) kpis(ctx context.Context, sessionID string, refresh bool) int {
	path := sessionPath(sessionID, "/kpis")
	if refresh {
		path += "?refresh=true"
	}
	var response struct {
		Presentation struct {
			Narrative string `json:"narrative"`
		} `json:"presentation"`
	}
	if code := r.callJSON(ctx, http.MethodGet, path, nil, &response); code != 0 {
		return code
	}
	_, _ = fmt.Fprintln(r.stdout, response.Presentation.Narrative)
	return 0
}

func (r *runner) schema(ctx context.Context, sessionID string) int {
	var response struct {
		Tables []struct {
			Name    string `json:"name"`
			Columns []struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"columns"`
		} `json:"tables"`
	}
	if code := r.callJSON(ctx, http.MethodGet, sessionPath(sessionID, "/schema"), nil, &response); code != 0 {
		return code
	}
	for _, table := range response.Tables {
		_, _ = r.palette.user.Fprintln(r.stdout, table.Name)
		rows := make([][]any, 0, len(table.Columns))
		for _, column := range table.Columns {
			rows = append(rows, []any{column.Name, column.Type})
		}
		_, _ = fmt.Fprintln(r.stdout, present.RenderTable([]string{"Column", "Type"}, rows))
	}
	return 0
}

func (r *runner) printJSON(ctx context.Context, method, path string, payload any) int {
	code, body, err := r.do(ctx, method, path, payload)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = r.palette.err.Fprintf(r.stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(r.stdout, pretty)
		return 0
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(r.stdout, string(body))
	}
	return 0
}

func (r *runner) callJSON(ctx context.Context, method, path string, payload, out any) int {
	code, body, err := r.do(ctx, method, path, payload)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = r.palette.err.Fprintf(r.stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}
	if err := json.Unmarshal(body, out); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "decode response: %v\n", err)
		return 1
	}
	return 0
}

func (r *runner) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := r.newRequest(ctx, method, path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (r *runner) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}
	return req, nil
}

type progressIndicator struct {
	s *spinner.Spinner
}

func (r *runner) startSpinner() *progressIndicator {
	if !r.spinner {
		return &progressIndicator{}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(r.stderr))
	s.Suffix = " thinking..."
	s.Start()
	return &progressIndicator{s: s}
}

func (p *progressIndicator) stop() {
	if p.s != nil {
		p.s.Stop()
		p.s = nil
	}
}

// readEvents dispatches each server-sent event to handle. Only the event and
// data fields are understood. Lines are unbounded; a result table can exceed
// any fixed buffer.
func readEvents(body io.Reader, handle func(event, data string) error) error {
	reader := bufio.NewReader(body)
	event, data := "", ""
	for {
		raw, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if raw == "" && readErr != nil {
			return nil
		}
		line := strings.TrimRight(raw, "\r\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				if err := handle(firstNonEmpty(event, "message"), data); err != nil {
					return err
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
		if readErr != nil {
			return nil
		}
	}
}

func sessionPath(sessionID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(strings.TrimSpace(sessionID)) + suffix
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: loanbotctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                      GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                       GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  connect                     open a session and print its id")
	_, _ = fmt.Fprintln(w, "  sessions                    list sessions")
	_, _ = fmt.Fprintln(w, "  show <session>              session summary")
	_, _ = fmt.Fprintln(w, "  ask <session> <prompt...>   run one chat turn")
	_, _ = fmt.Fprintln(w, "  history <session>           print the conversation")
	_, _ = fmt.Fprintln(w, "  kpis <session>              print the KPI report (-refresh to recompute)")
	_, _ = fmt.Fprintln(w, "  schema <session>            print the described tables")
	_, _ = fmt.Fprintln(w, "  disconnect <session>        close a session")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
