package model

import (
	"context"
)

// Analyzer defines the standard interface for an AI analyzer.
type Analyzer interface {
	// AnalyzeRun receives a text summary of a run and returns the model's analysis as Markdown.
	AnalyzeRun(ctx context.Context, input string) (string, error)
}
