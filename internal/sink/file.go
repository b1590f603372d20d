// Package sink holds the finalize writers a session persists a finished run through.
package sink

import (
	"FlowDAQ/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SummaryData is the JSON summary written next to each exported document.
type SummaryData struct {
	RunID           string                    `json:"run_id"`
	FileName        string                    `json:"file_name"`
	StartedAt       time.Time                 `json:"start_time"`
	SampleRateHz    float64                   `json:"sampling_hz"`
	DurationSeconds float64                   `json:"duration_sec"`
	Channels        []string                  `json:"sensors"`
	Rows            int                       `json:"rows"`
	DominantRegimen model.Label               `json:"dominant_regimen"`
	Statistics      []model.ChannelStatistics `json:"statistics"`
}

// FileWriter writes the export document of a run to <root>/<run id>/<file name>.csv.
type FileWriter struct {
	rootPath string
}

// NewFileWriter creates a new writer rooted at rootPath.
func NewFileWriter(rootPath string) *FileWriter {
	return &FileWriter{rootPath: rootPath}
}

func (w *FileWriter) Name() string { return "file" }

// Path returns where the document of run is written.
func (w *FileWriter) Path(run *model.FinishedRun) string {
	return filepath.Join(w.rootPath, dirName(run.Meta.ID), safeFileName(run.Meta.FileName)+".csv")
}

// Write stores the document and its summary. Files are replaced atomically, so a retried write
// leaves the same bytes behind.
func (w *FileWriter) Write(ctx context.Context, run *model.FinishedRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	docPath := w.Path(run)
	runDir := filepath.Dir(docPath)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	if err := writeFileAtomic(docPath, run.Document); err != nil {
		return err
	}

	summary := SummaryData{
		RunID:           run.Meta.ID,
		FileName:        run.Meta.FileName,
		StartedAt:       run.Meta.StartedAt,
		SampleRateHz:    run.Meta.SampleRateHz,
		DurationSeconds: run.Meta.DurationSeconds,
		Channels:        run.Channels,
		Rows:            len(run.Samples),
		DominantRegimen: run.Meta.DominantRegimen,
		Statistics:      run.Statistics,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(runDir, "summary.json"), data); err != nil {
		return err
	}

	log.Printf("Wrote %d rows for run %s to %s", len(run.Samples), run.Meta.ID, docPath)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for '%s': %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write '%s': %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write '%s': %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace '%s': %w", path, err)
	}
	return nil
}

func safeFileName(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".csv")
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "measurement"
	}
	return name
}

func dirName(runID string) string {
	if runID == "" {
		return "unregistered"
	}
	return safeFileName(runID)
}
