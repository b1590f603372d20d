// Package registry stores finished acquisition runs and serves them back. SQLiteStore keeps
// runs in a local database; HTTPClient talks to a remote fd-registry.
package registry

import (
	"FlowDAQ/internal/export"
	"FlowDAQ/internal/model"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS measurements (
    id               TEXT PRIMARY KEY,
    created_at       TEXT NOT NULL,
    file_name        TEXT NOT NULL DEFAULT '',
    start_time       TEXT NOT NULL DEFAULT '',
    sampling_hz      REAL NOT NULL,
    duration_sec     REAL NOT NULL,
    sensors          TEXT NOT NULL,
    model_version    TEXT NOT NULL DEFAULT '',
    rows             INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'writing',
    dominant_regimen TEXT NOT NULL DEFAULT '',
    preview_json     TEXT,
    data_gz          BLOB,
    sha256           TEXT
);
CREATE INDEX IF NOT EXISTS idx_measurements_created_at ON measurements(created_at);
CREATE INDEX IF NOT EXISTS idx_measurements_status ON measurements(status);
CREATE INDEX IF NOT EXISTS idx_measurements_sha256 ON measurements(sha256);
`

const selectColumns = `id, created_at, file_name, start_time, sampling_hz, duration_sec, sensors,
	model_version, rows, status, dominant_regimen, preview_json, sha256`

// DefaultListLimit is the page size ListRuns uses.
const DefaultListLimit = 50

// SQLiteStore is a model.RunRegistry backed by SQLite. Run data is stored as the
// gzip-compressed export document together with its SHA-256.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the database at path and ensures the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.Printf("Run registry opened at %s", path)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StartRun records a new run in the writing state and returns its id.
func (s *SQLiteStore) StartRun(ctx context.Context, meta model.RunMetadata) (string, error) {
	id := uuid.NewString()
	sensors, err := json.Marshal(nonNil(meta.Channels))
	if err != nil {
		return "", fmt.Errorf("failed to encode sensors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO measurements (
			id, created_at, file_name, start_time, sampling_hz, duration_sec, sensors,
			model_version, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		formatTime(s.now()),
		meta.FileName,
		formatTime(meta.StartedAt),
		meta.SampleRateHz,
		meta.DurationSeconds,
		string(sensors),
		meta.ModelVersion,
		string(model.RunWriting),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// FinalizeRun encodes rows into the export document, stores it compressed and marks the run
// ready. Only a run in the writing state can be finalized; a storage failure after that check
// marks the run failed.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, rows []model.Sample, header []string, meta model.RunMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM measurements WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if model.RunStatus(status) != model.RunWriting {
		return ErrRunNotWritable
	}

	payload, err := buildPayload(rows, header, meta)
	if err != nil {
		// The connection pool holds one connection, so release it before marking.
		tx.Rollback()
		s.markFailed(runID)
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE measurements SET
			data_gz = ?, sha256 = ?, rows = ?, preview_json = ?, dominant_regimen = ?, status = ?
		WHERE id = ?`,
		payload.data, payload.sha256, len(rows), payload.preview, string(payload.regimen),
		string(model.RunReady), runID,
	)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		tx.Rollback()
		s.markFailed(runID)
		return fmt.Errorf("failed to store run %s: %w", runID, err)
	}
	return nil
}

type runPayload struct {
	data    []byte
	sha256  string
	preview string
	regimen model.Label
}

func buildPayload(rows []model.Sample, header []string, meta model.RunMetadata) (*runPayload, error) {
	var channels []string
	for _, h := range header {
		if h != "time" && h != "regimen" {
			channels = append(channels, h)
		}
	}
	regimen := meta.DominantRegimen
	if !regimen.Known() {
		regimen = export.DominantLabel(rows, model.LabelUnknown)
	}

	doc := export.Encode(export.Document{
		FileName:     meta.FileName,
		StartedAt:    meta.StartedAt,
		SampleRateHz: meta.SampleRateHz,
		Channels:     channels,
		Samples:      rows,
		Regimen:      regimen,
	})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return nil, fmt.Errorf("failed to compress run: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress run: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())

	preview := model.RunPreview{
		Classes:         model.LabelOrder,
		MinTimestamp:    meta.StartedAt,
		MaxTimestamp:    meta.StartedAt,
		SensorCount:     len(channels),
		DominantRegimen: regimen,
		FileName:        meta.FileName,
	}
	if n := len(rows); n > 0 {
		preview.MinTimestamp = meta.StartedAt.Add(secondsToDuration(rows[0].Time))
		preview.MaxTimestamp = meta.StartedAt.Add(secondsToDuration(rows[n-1].Time))
	}
	previewJSON, err := json.Marshal(preview)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}

	return &runPayload{
		data:    buf.Bytes(),
		sha256:  hex.EncodeToString(sum[:]),
		preview: string(previewJSON),
		regimen: regimen,
	}, nil
}

func (s *SQLiteStore) markFailed(runID string) {
	if _, err := s.db.Exec(`UPDATE measurements SET status = ? WHERE id = ?`, string(model.RunFailed), runID); err != nil {
		log.Printf("Error marking run %s as failed: %v", runID, err)
	}
}

// GetRun returns the metadata of a run in any state.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.RunMetadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM measurements WHERE id = ?`, runID)
	meta, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return meta, nil
}

// DownloadRun returns the gzip-compressed export document of a ready run.
func (s *SQLiteStore) DownloadRun(ctx context.Context, runID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data_gz FROM measurements WHERE id = ? AND status = ?`, runID, string(model.RunReady),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run data %s: %w", runID, err)
	}
	return data, nil
}

// ListRuns returns the most recent ready runs.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunMetadata, error) {
	return s.ListRunsPage(ctx, DefaultListLimit, 0)
}

// ListRunsPage returns ready runs, newest first.
func (s *SQLiteStore) ListRunsPage(ctx context.Context, limit, offset int) ([]model.RunMetadata, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM measurements
		WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		string(model.RunReady), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.RunMetadata{}
	for rows.Next() {
		meta, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *meta)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its data.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Stats summarizes the stored runs.
func (s *SQLiteStore) Stats(ctx context.Context) (model.RegistryStats, error) {
	var st model.RegistryStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'ready' THEN 1 END),
			COUNT(CASE WHEN status = 'writing' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COALESCE(SUM(rows), 0),
			COALESCE(SUM(LENGTH(data_gz)), 0)
		FROM measurements`,
	).Scan(&st.TotalRuns, &st.ReadyRuns, &st.WritingRuns, &st.FailedRuns, &st.TotalRows, &st.TotalSizeBytes)
	if err != nil {
		return model.RegistryStats{}, fmt.Errorf("failed to compute registry stats: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.RunMetadata, error) {
	var (
		meta                 model.RunMetadata
		createdAt, startTime string
		sensors, status      string
		regimen              string
		preview, sha         sql.NullString
	)
	err := sc.Scan(&meta.ID, &createdAt, &meta.FileName, &startTime, &meta.SampleRateHz,
		&meta.DurationSeconds, &sensors, &meta.ModelVersion, &meta.Rows, &status, &regimen,
		&preview, &sha)
	if err != nil {
		return nil, err
	}
	meta.CreatedAt = parseTime(createdAt)
	meta.StartedAt = parseTime(startTime)
	meta.Status = model.RunStatus(status)
	meta.SHA256 = sha.String
	if regimen != "" {
		meta.DominantRegimen = model.ParseLabel(regimen)
	}
	if err := json.Unmarshal([]byte(sensors), &meta.Channels); err != nil {
		return nil, fmt.Errorf("invalid sensors column: %w", err)
	}
	if preview.Valid && preview.String != "" {
		var p model.RunPreview
		if err := json.Unmarshal([]byte(preview.String), &p); err == nil {
			meta.Preview = &p
		}
	}
	return &meta, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
