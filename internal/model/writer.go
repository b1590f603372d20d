package model

import (
	"context"
)

// FinishedRun is everything a finalize sink may persist about a finished session.
type FinishedRun struct {
	Meta       RunMetadata
	Channels   []string
	Samples    []Sample
	Statistics []ChannelStatistics
	// Document is the canonical export document; it is identical for every sink.
	Document []byte
}

// Writer defines a generic interface for persisting a finished run.
type Writer interface {
	// Write persists the run. Implementations must not mutate it.
	Write(ctx context.Context, run *FinishedRun) error

	// Name identifies the writer in logs and joined errors.
	Name() string
}
