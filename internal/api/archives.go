package api

import (
	"errors"
	"net/http"

	"github.com/loanbot/loanbot/internal/archive"
	"github.com/loanbot/loanbot/internal/auth"
	"github.com/loanbot/loanbot/internal/storage"
)

func handleGetArchive(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	transcript, ok := loadArchive(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

func handleDeleteArchive(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	transcript, ok := loadArchive(deps, w, r)
	if !ok {
		return
	}
	deleted, err := deps.Archives.Delete(r.Context(), transcript.SessionID)
	if err != nil {
		writeArchiveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": transcript.SessionID, "deleted_objects": deleted})
}

func loadArchive(deps Dependencies, w http.ResponseWriter, r *http.Request) (archive.Transcript, bool) {
	if deps.Archives == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARCHIVE_NOT_CONFIGURED", "session archive is not enabled", false, nil)
		return archive.Transcript{}, false
	}
	transcript, err := deps.Archives.Transcript(r.Context(), r.PathValue("id"))
	if err != nil {
		writeArchiveError(w, r, err)
		return archive.Transcript{}, false
	}
	if !auth.CanAccess(r.Context(), transcript.Owner) {
		writeArchiveError(w, r, storage.ErrObjectNotFound)
		return archive.Transcript{}, false
	}
	return transcript, true
}

func writeArchiveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION_ID", err.Error(), false, nil)
	case errors.Is(err, storage.ErrObjectNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "ARCHIVE_NOT_FOUND", "no archive for this session", false, map[string]any{"session_id": r.PathValue("id")})
	default:
		writeError(r.Context(), w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to read session archive", true, map[string]any{"details": err.Error()})
	}
}
