// Package archive writes a disconnected session to the object store: the
// transcript as JSON and the KPI report, when one exists, as Parquet.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/loanbot/loanbot/internal/chat"
	"github.com/loanbot/loanbot/internal/kpi"
	"github.com/loanbot/loanbot/internal/storage"
)

type Transcript struct {
	SessionID    string      `json:"session_id"`
	Owner        string      `json:"owner,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	ArchivedAt   time.Time   `json:"archived_at"`
	Tables       []string    `json:"tables"`
	SystemPrompt string      `json:"system_prompt"`
	Turns        []chat.Turn `json:"turns"`
	KPIReport    *kpi.Report `json:"kpi_report,omitempty"`
}

type parquetScore struct {
	SessionID        string  `parquet:"session_id"`
	KPI              string  `parquet:"kpi"`
	Raw              float64 `parquet:"raw"`
	Impact           float64 `parquet:"impact"`
	Achievement      float64 `parquet:"achievement"`
	Ranking          float64 `parquet:"ranking"`
	Error            string  `parquet:"error"`
	ComputedAtUnixMs int64   `parquet:"computed_at_unix_ms"`
}

type Archiver struct {
	Store storage.ObjectStore
	Clock func() time.Time
}

func (a *Archiver) Archive(ctx context.Context, s *chat.Session) error {
	if a.Store == nil {
		return fmt.Errorf("object store is required")
	}
	clock := a.Clock
	if clock == nil {
		clock = time.Now
	}

	transcript := NewTranscript(s, clock().UTC())
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	key, err := storage.BuildTranscriptPath(s.ID())
	if err != nil {
		return err
	}
	if _, err := a.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	if transcript.KPIReport == nil || len(transcript.KPIReport.Scores) == 0 {
		return nil
	}
	encoded, err := EncodeKPIReport(s.ID(), *transcript.KPIReport)
	if err != nil {
		return err
	}
	key, err = storage.BuildKPIReportPath(s.ID())
	if err != nil {
		return err
	}
	if _, err := a.Store.Put(ctx, key, bytes.NewReader(encoded), int64(len(encoded)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
		return fmt.Errorf("write kpi report: %w", err)
	}
	return nil
}

// Transcript reads back an archived transcript.
func (a *Archiver) Transcript(ctx context.Context, sessionID string) (Transcript, error) {
	key, err := storage.BuildTranscriptPath(sessionID)
	if err != nil {
		return Transcript{}, err
	}
	reader, err := a.Store.Get(ctx, key)
	if err != nil {
		return Transcript{}, err
	}
	defer func() { _ = reader.Close() }()

	var transcript Transcript
	if err := json.NewDecoder(reader).Decode(&transcript); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	return transcript, nil
}

// Delete removes every archived object of a session.
func (a *Archiver) Delete(ctx context.Context, sessionID string) (int, error) {
	prefix, err := storage.SessionPrefix(sessionID)
	if err != nil {
		return 0, err
	}
	objects, err := a.Store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, storage.ErrObjectNotFound
	}
	for _, object := range objects {
		if err := a.Store.Delete(ctx, object.Key); err != nil {
			return 0, err
		}
	}
	return len(objects), nil
}

func NewTranscript(s *chat.Session, archivedAt time.Time) Transcript {
	tables := s.Catalog().Tables()
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.Name)
	}
	transcript := Transcript{
		SessionID:    s.ID(),
		Owner:        s.Owner(),
		CreatedAt:    s.CreatedAt(),
		ArchivedAt:   archivedAt,
		Tables:       names,
		SystemPrompt: s.Conversation().System().Content,
		Turns:        s.Conversation().History(),
	}
	if report, ok := s.KPIReport(); ok {
		transcript.KPIReport = &report
	}
	return transcript
}

func EncodeKPIReport(sessionID string, report kpi.Report) ([]byte, error) {
	if len(report.Scores) == 0 {
		return nil, fmt.Errorf("kpi scores are required")
	}
	rows := make([]parquetScore, 0, len(report.Scores))
	for _, score := range report.Scores {
		rows = append(rows, parquetScore{
			SessionID:        sessionID,
			KPI:              score.Name,
			Raw:              score.Raw,
			Impact:           score.Impact,
			Achievement:      score.Achievement,
			Ranking:          score.Ranking,
			Error:            score.Error,
			ComputedAtUnixMs: report.ComputedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetScore](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeKPIReport reads scores written by EncodeKPIReport.
func DecodeKPIReport(data []byte) (kpi.Report, error) {
	reader := parquet.NewGenericReader[parquetScore](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]parquetScore, reader.NumRows())
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return kpi.Report{}, fmt.Errorf("read parquet rows: %w", err)
	}
	report := kpi.Report{Scores: make([]kpi.Score, 0, count)}
	for _, row := range rows[:count] {
		report.Scores = append(report.Scores, kpi.Score{
			Name:        row.KPI,
			Raw:         row.Raw,
			Impact:      row.Impact,
			Achievement: row.Achievement,
			Ranking:     row.Ranking,
			Error:       row.Error,
		})
		report.ComputedAt = time.UnixMilli(row.ComputedAtUnixMs).UTC()
	}
	return report, nil
}
