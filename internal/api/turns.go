package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const eventStreamContentType = "text/event-stream"

type turnRequest struct {
	Prompt string `json:"prompt"`
}

func handleTurn(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}

	var request turnRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid turn request body", false, map[string]any{"details": err.Error()})
		return
	}

	if !wantsEventStream(r) {
		result, err := s.Ask(r.Context(), request.Prompt)
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	events := newEventWriter(w)
	result, err := s.Ask(r.Context(), request.Prompt, func(fragment string) {
		events.send("delta", map[string]string{"text": fragment})
	})
	if err != nil {
		// Ask rejects before streaming anything, so no event has been sent.
		writeSessionError(w, r, err)
		return
	}
	events.send("result", result)
}

func wantsEventStream(r *http.Request) bool {
	for _, value := range r.Header.Values("Accept") {
		if strings.Contains(value, eventStreamContentType) {
			return true
		}
	}
	return false
}

// eventWriter writes server-sent events. Headers are sent lazily with the
// first event so a rejected turn can still answer with a JSON error.
type eventWriter struct {
	w          http.ResponseWriter
	controller *http.ResponseController
	started    bool
	failed     bool
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, controller: http.NewResponseController(w)}
}

// send ignores write failures: the turn still completes and is recorded when
// the client goes away.
func (e *eventWriter) send(event string, payload any) {
	if e.failed {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.failed = true
		return
	}
	if !e.started {
		header := e.w.Header()
		header.Set("Content-Type", eventStreamContentType)
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		e.failed = true
		return
	}
	_ = e.controller.Flush()
}
