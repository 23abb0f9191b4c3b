package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loanbot/loanbot/internal/completion"
	"github.com/loanbot/loanbot/internal/extract"
	"github.com/loanbot/loanbot/internal/kpi"
	"github.com/loanbot/loanbot/internal/observability"
	"github.com/loanbot/loanbot/internal/present"
	"github.com/loanbot/loanbot/internal/schema"
	"github.com/loanbot/loanbot/internal/warehouse"
)

var (
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
	ErrEmptyPrompt    = errors.New("prompt is required")
	ErrSessionClosed  = errors.New("session is closed")
)

const (
	queryApology = "I apologize, but I encountered an error while trying to fetch that information for you. " +
		"The specific error was: %s. Could you please rephrase your question or ask about a different aspect " +
		"of loan officer performance? I'm here to help in any way I can."
	completionApology = "I apologize, but I couldn't finish generating a response. " +
		"The specific error was: %s. Please try asking your question again."
)

// DefaultKPIIntents are the phrases that route a turn to the KPI report.
var DefaultKPIIntents = []string{"kpi scores", "loan officer performance"}

type Config struct {
	// HistoryWindow bounds the non-system turns sent to the model; 0 sends all.
	HistoryWindow int
	TurnTimeout   time.Duration
	KPIIntents    []string
}

type Options struct {
	ID string
	// Owner is the authenticated subject that connected; empty when the API
	// runs without authentication.
	Owner      string
	Catalog    schema.Catalog
	Prompt     string
	Warehouse  warehouse.Warehouse
	Completion completion.Client
	Presenter  *present.Presenter
	// KPIs is nil when KPI reporting is disabled.
	KPIs      *kpi.Reporter
	KPIReport *kpi.Report
	Config    Config
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Session is one connected user. The catalog and system turn are fixed at
// construction; the warehouse and completion handles live until Close.
type Session struct {
	id         string
	owner      string
	createdAt  time.Time
	catalog    schema.Catalog
	warehouse  warehouse.Warehouse
	completion completion.Client
	presenter  *present.Presenter
	kpis       *kpi.Reporter
	config     Config
	logger     *slog.Logger
	clock      func() time.Time

	conversation *Conversation

	// turnMu is held for the whole of a turn; TryLock rejects overlap.
	turnMu sync.Mutex
	closed bool // guarded by turnMu

	kpiMu     sync.RWMutex
	kpiReport *kpi.Report
}

type TurnResult struct {
	Outcome   Outcome `json:"outcome"`
	Reply     string  `json:"reply"`
	Narrative string  `json:"narrative,omitempty"`
	Table     string  `json:"table,omitempty"`
	Error     string  `json:"error,omitempty"`
	Turn      Turn    `json:"turn"`
}

func NewSession(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if opts.Warehouse == nil {
		return nil, fmt.Errorf("warehouse is required")
	}
	if opts.Completion == nil {
		return nil, fmt.Errorf("completion client is required")
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, fmt.Errorf("system prompt is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	presenter := opts.Presenter
	if presenter == nil {
		presenter = present.NewPresenter(nil)
	}
	cfg := opts.Config
	if cfg.KPIIntents == nil {
		cfg.KPIIntents = DefaultKPIIntents
	}
	now := clock().UTC()
	return &Session{
		id:           opts.ID,
		owner:        opts.Owner,
		createdAt:    now,
		catalog:      opts.Catalog,
		warehouse:    opts.Warehouse,
		completion:   opts.Completion,
		presenter:    presenter,
		kpis:         opts.KPIs,
		config:       cfg,
		logger:       opts.Logger,
		clock:        clock,
		conversation: NewConversation(opts.Prompt, now),
		kpiReport:    opts.KPIReport,
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Owner() string {
	return s.owner
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) Catalog() schema.Catalog {
	return s.catalog
}

func (s *Session) Conversation() *Conversation {
	return s.conversation
}

func (s *Session) Warehouse() warehouse.Warehouse {
	return s.warehouse
}

// KPIReport returns the cached report, if one was computed.
func (s *Session) KPIReport() (kpi.Report, bool) {
	s.kpiMu.RLock()
	defer s.kpiMu.RUnlock()
	if s.kpiReport == nil {
		return kpi.Report{}, false
	}
	return *s.kpiReport, true
}

func (s *Session) KPIEnabled() bool {
	return s.kpis != nil
}

// RefreshKPIs recomputes and caches the KPI report. It shares the turn lock,
// so it fails with ErrTurnInProgress while a turn is running.
func (s *Session) RefreshKPIs(ctx context.Context) (kpi.Report, error) {
	if s.kpis == nil {
		return kpi.Report{}, fmt.Errorf("kpi reporting is disabled")
	}
	if !s.turnMu.TryLock() {
		return kpi.Report{}, ErrTurnInProgress
	}
	defer s.turnMu.Unlock()
	if s.closed {
		return kpi.Report{}, ErrSessionClosed
	}
	return s.computeKPIs(ctx), nil
}

// Ask runs one user turn to completion. Warehouse and completion failures are
// folded into the assistant turn; the returned error is only set when the turn
// was rejected before anything was appended.
func (s *Session) Ask(ctx context.Context, text string, observers ...completion.Observer) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, ErrEmptyPrompt
	}
	if !s.turnMu.TryLock() {
		return TurnResult{}, ErrTurnInProgress
	}
	defer s.turnMu.Unlock()
	if s.closed {
		return TurnResult{}, ErrSessionClosed
	}

	ctx = context.WithoutCancel(ctx)
	if s.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.conversation.Append(Turn{Role: completion.RoleUser, Content: text, CreatedAt: s.clock().UTC()}); err != nil {
		return TurnResult{}, err
	}

	var result TurnResult
	if s.isKPIRequest(text) {
		result = s.answerKPI(ctx)
	} else {
		result = s.answer(ctx, observers)
	}

	result.Turn.Role = completion.RoleAssistant
	result.Turn.Outcome = result.Outcome
	result.Turn.CreatedAt = s.clock().UTC()
	if err := s.conversation.Append(result.Turn); err != nil {
		return TurnResult{}, err
	}

	elapsed := time.Since(start)
	observability.ObserveChatTurn(string(result.Outcome), elapsed)
	if s.logger != nil {
		attrs := []any{
			slog.String("session_id", s.id),
			slog.String("outcome", string(result.Outcome)),
			slog.String("duration", elapsed.String()),
		}
		if result.Error != "" {
			attrs = append(attrs, slog.String("error", result.Error))
		}
		s.logger.InfoContext(ctx, "chat turn completed", attrs...)
	}
	return result, nil
}

func (s *Session) answer(ctx context.Context, observers []completion.Observer) TurnResult {
	reply, err := s.complete(ctx, observers)
	if err != nil {
		apology := fmt.Sprintf(completionApology, err.Error())
		return TurnResult{
			Outcome:   OutcomeCompletionFailed,
			Reply:     reply,
			Narrative: apology,
			Error:     err.Error(),
			Turn:      Turn{Content: joinParagraphs(reply, apology)},
		}
	}

	sqlText, found := extract.Query(reply)
	if !found {
		return TurnResult{
			Outcome: OutcomeNoQuery,
			Reply:   reply,
			Turn:    Turn{Content: reply},
		}
	}

	queryStart := time.Now()
	rows, err := s.warehouse.ExecuteQuery(ctx, sqlText)
	observability.ObserveWarehouseQuery(err, time.Since(queryStart))
	if err != nil {
		message := err.Error()
		var queryErr *warehouse.QueryError
		if errors.As(err, &queryErr) {
			message = queryErr.Message()
		}
		apology := fmt.Sprintf(queryApology, message)
		return TurnResult{
			Outcome:   OutcomeQueryFailed,
			Reply:     reply,
			Narrative: apology,
			Error:     message,
			Turn:      Turn{Content: joinParagraphs(reply, apology), Query: sqlText},
		}
	}

	presentation := s.presenter.Present(rows)
	return TurnResult{
		Outcome:   OutcomeAnswered,
		Reply:     reply,
		Narrative: presentation.Narrative,
		Table:     presentation.Table,
		Turn: Turn{
			Content: joinParagraphs(reply, presentation.Narrative),
			Query:   sqlText,
			Result:  &rows,
			Chart:   presentation.Chart,
		},
	}
}

func (s *Session) complete(ctx context.Context, observers []completion.Observer) (string, error) {
	start := time.Now()
	stream, err := s.completion.StreamChat(ctx, s.conversation.Messages(s.config.HistoryWindow))
	if err != nil {
		observability.ObserveCompletion(err, time.Since(start))
		return "", err
	}
	reply, err := completion.Drain(stream, observers...)
	observability.ObserveCompletion(err, time.Since(start))
	return reply, err
}

func (s *Session) answerKPI(ctx context.Context) TurnResult {
	report := s.computeKPIs(ctx)
	presentation := report.Presentation()
	rows := report.Result()
	return TurnResult{
		Outcome:   OutcomeKPIReport,
		Narrative: presentation.Narrative,
		Table:     presentation.Table,
		Turn: Turn{
			Content: presentation.Narrative,
			Result:  &rows,
			Chart:   presentation.Chart,
		},
	}
}

func (s *Session) computeKPIs(ctx context.Context) kpi.Report {
	report := s.kpis.Compute(ctx, s.warehouse)
	s.kpiMu.Lock()
	s.kpiReport = &report
	s.kpiMu.Unlock()
	return report
}

func (s *Session) isKPIRequest(text string) bool {
	if s.kpis == nil {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range s.config.KPIIntents {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Close waits for a running turn, then releases the warehouse handle. Later
// turns fail with ErrSessionClosed; the conversation stays readable.
func (s *Session) Close() error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.warehouse.Close()
}

func joinParagraphs(first, second string) string {
	if strings.TrimSpace(first) == "" {
		return second
	}
	return first + "\n\n" + second
}
