package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loanbot/loanbot/internal/auth"
	"github.com/loanbot/loanbot/internal/chat"
	"github.com/loanbot/loanbot/internal/kpi"
	"github.com/loanbot/loanbot/internal/present"
	"github.com/loanbot/loanbot/internal/schema"
	"github.com/loanbot/loanbot/internal/session"
)

type createSessionRequest struct {
	WarehouseCredential string `json:"warehouse_credential"`
	CompletionAPIKey    string `json:"completion_api_key"`
}

type sessionResponse struct {
	SessionID  string      `json:"session_id"`
	Owner      string      `json:"owner,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	Tables     []string    `json:"tables"`
	Turns      int         `json:"turns"`
	KPIEnabled bool        `json:"kpi_enabled"`
	KPIReport  *kpi.Report `json:"kpi_report,omitempty"`
}

type kpiResponse struct {
	SessionID    string               `json:"session_id"`
	Report       kpi.Report           `json:"report"`
	Presentation present.Presentation `json:"presentation"`
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	if err := requireChatRole(r); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request createSessionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid session request body", false, map[string]any{"details": err.Error()})
		return
	}

	s, err := deps.Sessions.Connect(r.Context(), session.Credentials{
		WarehouseCredential: request.WarehouseCredential,
		CompletionAPIKey:    request.CompletionAPIKey,
		Owner:               auth.Subject(r.Context()),
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summarizeSession(s, true))
}

func handleListSessions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	out := make([]sessionResponse, 0)
	for _, s := range deps.Sessions.List() {
		if !auth.CanAccess(r.Context(), s.Owner()) {
			continue
		}
		out = append(out, summarizeSession(s, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarizeSession(s, true))
}

// handleDeleteSession always clears the session; archive and close failures
// are only logged by the manager.
func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	if err := deps.Sessions.Disconnect(r.Context(), s.ID()); err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": s.ID(), "status": "disconnected"})
}

func handleMessages(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.ID(),
		"messages":   s.Conversation().History(),
	})
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	tables := s.Catalog().Tables()
	if name := strings.TrimSpace(r.URL.Query().Get("table")); name != "" {
		table, found := s.Catalog().Table(name)
		if !found {
			writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", "table is not part of the session catalog", false, map[string]any{"table": name})
			return
		}
		tables = []schema.Table{table}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.ID(),
		"tables":     tables,
	})
}

func handleKPIs(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	if !s.KPIEnabled() {
		writeError(r.Context(), w, http.StatusNotFound, "KPI_DISABLED", "kpi reporting is disabled", false, nil)
		return
	}

	refresh := false
	if raw := strings.TrimSpace(r.URL.Query().Get("refresh")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REFRESH", "refresh must be a boolean", false, map[string]any{"details": err.Error()})
			return
		}
		refresh = parsed
	}

	var report kpi.Report
	if refresh {
		computed, err := s.RefreshKPIs(r.Context())
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		report = computed
	} else {
		cached, found := s.KPIReport()
		if !found {
			writeError(r.Context(), w, http.StatusNotFound, "KPI_REPORT_UNAVAILABLE", "no kpi report has been computed", false, nil)
			return
		}
		report = cached
	}
	writeJSON(w, http.StatusOK, kpiResponse{
		SessionID:    s.ID(),
		Report:       report,
		Presentation: report.Presentation(),
	})
}

func summarizeSession(s *chat.Session, withReport bool) sessionResponse {
	tables := s.Catalog().Tables()
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.Name)
	}
	response := sessionResponse{
		SessionID:  s.ID(),
		Owner:      s.Owner(),
		CreatedAt:  s.CreatedAt(),
		Tables:     names,
		Turns:      len(s.Conversation().History()),
		KPIEnabled: s.KPIEnabled(),
	}
	if withReport {
		if report, ok := s.KPIReport(); ok {
			response.KPIReport = &report
		}
	}
	return response
}

// lookupSession resolves {id} and hides sessions the caller does not own.
func lookupSession(deps Dependencies, w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	if !requireSessions(deps, w, r) {
		return nil, false
	}
	s, err := deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, r, err)
		return nil, false
	}
	if !auth.CanAccess(r.Context(), s.Owner()) {
		writeSessionError(w, r, session.ErrNotFound)
		return nil, false
	}
	return s, true
}

func requireSessions(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return false
	}
	return true
}

func requireChatRole(r *http.Request) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if !identity.HasRole(auth.RoleChat) {
		return errors.New("missing required role: " + auth.RoleChat)
	}
	return nil
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var connErr *session.ConnectionError
	switch {
	case errors.As(err, &connErr):
		status := http.StatusBadGateway
		if connErr.Stage == session.StageCredentials {
			status = http.StatusBadRequest
		}
		writeError(ctx, w, status, "CONNECTION_FAILED", connErr.Error(), true, map[string]any{"stage": string(connErr.Stage)})
	case errors.Is(err, session.ErrNotFound), errors.Is(err, chat.ErrSessionClosed):
		writeError(ctx, w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, map[string]any{"session_id": r.PathValue("id")})
	case errors.Is(err, session.ErrTooManySessions):
		writeError(ctx, w, http.StatusTooManyRequests, "TOO_MANY_SESSIONS", err.Error(), true, nil)
	case errors.Is(err, chat.ErrTurnInProgress):
		writeError(ctx, w, http.StatusConflict, "TURN_IN_PROGRESS", err.Error(), true, nil)
	case errors.Is(err, chat.ErrEmptyPrompt):
		writeError(ctx, w, http.StatusBadRequest, "PROMPT_REQUIRED", err.Error(), false, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), true, nil)
	}
}
