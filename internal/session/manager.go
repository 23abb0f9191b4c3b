package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loanbot/loanbot/internal/chat"
	"github.com/loanbot/loanbot/internal/completion"
	"github.com/loanbot/loanbot/internal/kpi"
	"github.com/loanbot/loanbot/internal/observability"
	"github.com/loanbot/loanbot/internal/present"
	"github.com/loanbot/loanbot/internal/prompt"
	"github.com/loanbot/loanbot/internal/schema"
	"github.com/loanbot/loanbot/internal/warehouse"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
)

type Stage string

const (
	StageCredentials Stage = "credentials"
	StageWarehouse   Stage = "warehouse"
	StageCompletion  Stage = "completion"
	StageSchema      Stage = "schema"
)

// ConnectionError reports which connect step failed. Connect failures are the
// only errors fatal to a session; nothing is retained after one.
type ConnectionError struct {
	Stage Stage
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect failed at %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type Credentials struct {
	WarehouseCredential string
	CompletionAPIKey    string
	// Owner is recorded on the session for access checks.
	Owner string
}

// CompletionFactory builds a completion client from the key supplied at
// connect time.
type CompletionFactory func(apiKey string) (completion.Client, error)

// Archiver persists a session before teardown.
type Archiver interface {
	Archive(ctx context.Context, s *chat.Session) error
}

type Config struct {
	Tables         []string
	Rules          []string
	Chat           chat.Config
	MaxSessions    int
	KPIEnabled bool
	// ConnectTimeout bounds opening the warehouse and, separately, describing
	// the configured tables. KPITimeout bounds the report computed at connect.
	ConnectTimeout time.Duration
	KPITimeout     time.Duration
	ArchiveTimeout time.Duration
}

type Dependencies struct {
	Warehouse  warehouse.Opener
	Completion CompletionFactory
	Presenter  *present.Presenter
	Archiver   Archiver
	Logger     *slog.Logger
	Clock      func() time.Time
	NewID      func() string
}

type Manager struct {
	cfg  Config
	deps Dependencies

	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Warehouse == nil {
		return nil, fmt.Errorf("warehouse opener is required")
	}
	if deps.Completion == nil {
		return nil, fmt.Errorf("completion factory is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}
	if cfg.Rules == nil {
		cfg.Rules = prompt.DefaultRules
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Presenter == nil {
		deps.Presenter = present.NewPresenter(nil)
	}
	return &Manager{cfg: cfg, deps: deps, sessions: map[string]*chat.Session{}}, nil
}

// Connect runs the connect sequence: open the warehouse with the supplied
// credential, build the completion client, describe every configured table,
// assemble the system prompt and, when enabled, compute the KPI report. Any
// failure releases what was opened and returns a *ConnectionError.
func (m *Manager) Connect(ctx context.Context, creds Credentials) (*chat.Session, error) {
	s, stage, err := m.connect(ctx, creds)
	if err != nil {
		if !errors.Is(err, ErrTooManySessions) {
			observability.ObserveSessionConnect(string(stage))
		}
		m.logWarn(ctx, "session connect failed", slog.String("stage", string(stage)), slog.Any("error", err))
		return nil, err
	}
	observability.ObserveSessionConnect("ok")
	m.logInfo(ctx, "session connected",
		slog.String("session_id", s.ID()),
		slog.Int("tables", s.Catalog().Len()),
	)
	return s, nil
}

func (m *Manager) connect(ctx context.Context, creds Credentials) (*chat.Session, Stage, error) {
	warehouseCredential := strings.TrimSpace(creds.WarehouseCredential)
	apiKey := strings.TrimSpace(creds.CompletionAPIKey)
	if warehouseCredential == "" || apiKey == "" {
		return nil, StageCredentials, &ConnectionError{
			Stage: StageCredentials,
			Err:   errors.New("warehouse credential and completion api key are both required"),
		}
	}
	if m.full() {
		return nil, StageCredentials, ErrTooManySessions
	}

	openCtx, cancel := withTimeout(ctx, m.cfg.ConnectTimeout)
	wh, err := m.deps.Warehouse.Open(openCtx, warehouseCredential)
	cancel()
	if err != nil {
		return nil, StageWarehouse, &ConnectionError{Stage: StageWarehouse, Err: err}
	}
	client, err := m.deps.Completion(apiKey)
	if err != nil {
		_ = wh.Close()
		return nil, StageCompletion, &ConnectionError{Stage: StageCompletion, Err: err}
	}
	schemaCtx, cancel := withTimeout(ctx, m.cfg.ConnectTimeout)
	catalog, err := schema.Build(schemaCtx, wh, m.cfg.Tables)
	cancel()
	if err != nil {
		_ = wh.Close()
		return nil, StageSchema, &ConnectionError{Stage: StageSchema, Err: err}
	}

	var reporter *kpi.Reporter
	var report *kpi.Report
	if m.cfg.KPIEnabled {
		reporter = &kpi.Reporter{Logger: m.deps.Logger, Clock: m.deps.Clock}
		kpiCtx, cancel := withTimeout(ctx, m.cfg.KPITimeout)
		computed := reporter.Compute(kpiCtx, wh)
		cancel()
		report = &computed
	}

	s, err := chat.NewSession(chat.Options{
		ID:         m.deps.NewID(),
		Owner:      creds.Owner,
		Catalog:    catalog,
		Prompt:     prompt.Assemble(catalog, m.cfg.Rules),
		Warehouse:  wh,
		Completion: client,
		Presenter:  m.deps.Presenter,
		KPIs:       reporter,
		KPIReport:  report,
		Config:     m.cfg.Chat,
		Logger:     m.deps.Logger,
		Clock:      m.deps.Clock,
	})
	if err != nil {
		_ = wh.Close()
		return nil, StageCompletion, &ConnectionError{Stage: StageCompletion, Err: err}
	}

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		_ = wh.Close()
		return nil, StageCredentials, ErrTooManySessions
	}
	m.sessions[s.ID()] = s
	observability.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()
	return s, "", nil
}

func (m *Manager) Get(id string) (*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the connected sessions ordered by creation time.
func (m *Manager) List() []*chat.Session {
	m.mu.RLock()
	out := make([]*chat.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Disconnect removes the session unconditionally, waits for any running turn
// while releasing its warehouse handle, then archives it when an archiver is
// configured. Close and archive failures are logged and do not block teardown.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		observability.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := s.Close(); err != nil {
		m.logWarn(ctx, "session close failed", slog.String("session_id", id), slog.Any("error", err))
	}
	if m.deps.Archiver != nil {
		archiveCtx, cancel := withTimeout(context.WithoutCancel(ctx), m.cfg.ArchiveTimeout)
		err := m.deps.Archiver.Archive(archiveCtx, s)
		cancel()
		observability.ObserveArchiveWrite(err)
		if err != nil {
			m.logWarn(ctx, "session archive failed", slog.String("session_id", id), slog.Any("error", err))
		}
	}
	m.logInfo(ctx, "session disconnected", slog.String("session_id", id))
	return nil
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.List() {
		_ = m.Disconnect(ctx, s.ID())
	}
}

func (m *Manager) full() bool {
	if m.cfg.MaxSessions <= 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) >= m.cfg.MaxSessions
}

// withTimeout applies d when positive; zero leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (m *Manager) logInfo(ctx context.Context, msg string, attrs ...any) {
	if m.deps.Logger != nil {
		m.deps.Logger.InfoContext(ctx, msg, attrs...)
	}
}

func (m *Manager) logWarn(ctx context.Context, msg string, attrs ...any) {
	if m.deps.Logger != nil {
		m.deps.Logger.WarnContext(ctx, msg, attrs...)
	}
}
