package model

import (
	"context"
	"time"
)

// RunStatus is the persistence state of a run in the registry.
type RunStatus string

const (
	RunWriting RunStatus = "writing"
	RunReady   RunStatus = "ready"
	RunFailed  RunStatus = "failed"
)

// RunMetadata describes a run as known by the registry.
type RunMetadata struct {
	ID              string      `json:"id"`
	CreatedAt       time.Time   `json:"created_at"`
	FileName        string      `json:"file_name"`
	StartedAt       time.Time   `json:"start_time"`
	SampleRateHz    float64     `json:"sampling_hz"`
	DurationSeconds float64     `json:"duration_sec"`
	Channels        []string    `json:"sensors"`
	ModelVersion    string      `json:"model_version,omitempty"`
	Status          RunStatus   `json:"status,omitempty"`
	Rows            int         `json:"rows"`
	SHA256          string      `json:"sha256,omitempty"`
	DominantRegimen Label       `json:"dominant_regimen,omitempty"`
	Preview         *RunPreview `json:"preview,omitempty"`
}

// RunPreview is the summary a registry keeps next to a stored run for listings.
type RunPreview struct {
	Classes         []Label   `json:"classes"`
	MinTimestamp    time.Time `json:"min_timestamp"`
	MaxTimestamp    time.Time `json:"max_timestamp"`
	SensorCount     int       `json:"sensor_count"`
	DominantRegimen Label     `json:"dominant_regimen"`
	FileName        string    `json:"file_name"`
}

// RegistryStats summarizes the runs held by a registry.
type RegistryStats struct {
	TotalRuns      int   `json:"total_runs"`
	ReadyRuns      int   `json:"ready_runs"`
	WritingRuns    int   `json:"writing_runs"`
	FailedRuns     int   `json:"failed_runs"`
	TotalRows      int64 `json:"total_rows"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// RunRegistry allocates run identifiers, accepts finalized data and serves historical runs.
type RunRegistry interface {
	StartRun(ctx context.Context, meta RunMetadata) (string, error)
	FinalizeRun(ctx context.Context, runID string, rows []Sample, header []string, meta RunMetadata) error
	GetRun(ctx context.Context, runID string) (*RunMetadata, error)
	// DownloadRun returns the gzip-compressed export document.
	DownloadRun(ctx context.Context, runID string) ([]byte, error)
	ListRuns(ctx context.Context) ([]RunMetadata, error)
}
