package storage

import (
	"errors"
	"fmt"
	"path"
	"regexp"
)

const sessionsRoot = "sessions"

var ErrInvalidPath = errors.New("invalid object path")

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// SessionPrefix is the key prefix holding every archived object of a session.
func SessionPrefix(sessionID string) (string, error) {
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	return path.Join(sessionsRoot, sessionID), nil
}

func BuildTranscriptPath(sessionID string) (string, error) {
	prefix, err := SessionPrefix(sessionID)
	if err != nil {
		return "", err
	}
	return path.Join(prefix, "transcript.json"), nil
}

func BuildKPIReportPath(sessionID string) (string, error) {
	prefix, err := SessionPrefix(sessionID)
	if err != nil {
		return "", err
	}
	return path.Join(prefix, "kpi-report.parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("%w: %s %q", ErrInvalidPath, field, value)
	}
	return nil
}
