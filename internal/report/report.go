// Package report e-mails a summary of each finished run, optionally with an AI analysis.
package report

import (
	"FlowDAQ/internal/model"
	"FlowDAQ/internal/stats"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
)

// Reporter is a finalize writer that renders a run summary and sends it through a notifier.
type Reporter struct {
	notifier  model.Notifier
	analyzer  model.Analyzer
	aiTimeout time.Duration
}

// NewReporter creates a reporter. analyzer may be nil to skip the AI section.
func NewReporter(notifier model.Notifier, analyzer model.Analyzer, aiTimeout time.Duration) *Reporter {
	if aiTimeout <= 0 {
		aiTimeout = 60 * time.Second
	}
	return &Reporter{notifier: notifier, analyzer: analyzer, aiTimeout: aiTimeout}
}

func (r *Reporter) Name() string { return "report" }

// Write sends the report. A failed analysis only drops the AI section.
func (r *Reporter) Write(ctx context.Context, run *model.FinishedRun) error {
	summary := Markdown(run)
	body := "<h1>FlowDAQ Run Report</h1>" + toHTML(summary)

	analysis, err := r.analyze(ctx, summary)
	if err != nil {
		log.Printf("Failed to get AI analysis for run %s: %v", run.Meta.ID, err)
	} else if analysis != "" {
		body += "<hr><h2>AI-Powered Analysis</h2>" + toHTML(analysis)
	}

	if err := r.notifier.Send(Subject(run), body); err != nil {
		return fmt.Errorf("failed to send run report: %w", err)
	}
	log.Printf("Run report for %s sent successfully.", run.Meta.ID)
	return nil
}

func (r *Reporter) analyze(ctx context.Context, summary string) (string, error) {
	if r.analyzer == nil {
		return "", nil
	}
	log.Println("Requesting AI analysis for run summary...")
	ctx, cancel := context.WithTimeout(ctx, r.aiTimeout)
	defer cancel()
	return r.analyzer.AnalyzeRun(ctx, summary)
}

// Subject returns the e-mail subject for a run.
func Subject(run *model.FinishedRun) string {
	regimen := run.Meta.DominantRegimen
	if regimen == "" {
		regimen = model.LabelUnknown
	}
	return fmt.Sprintf("FlowDAQ run %s finished (%s, %d samples)", run.Meta.FileName, regimen, len(run.Samples))
}

// Markdown renders the run summary: parameters, per-channel statistics and regime distribution.
func Markdown(run *model.FinishedRun) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Run %s\n\n", run.Meta.FileName)
	b.WriteString("| Parameter | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Run ID | %s |\n", run.Meta.ID)
	if !run.Meta.StartedAt.IsZero() {
		fmt.Fprintf(&b, "| Started | %s |\n", run.Meta.StartedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "| Sampling rate | %g Hz |\n", run.Meta.SampleRateHz)
	fmt.Fprintf(&b, "| Planned duration | %g s |\n", run.Meta.DurationSeconds)
	fmt.Fprintf(&b, "| Samples | %d |\n", len(run.Samples))
	if run.Meta.ModelVersion != "" {
		fmt.Fprintf(&b, "| Model | %s |\n", run.Meta.ModelVersion)
	}
	if run.Meta.DominantRegimen != "" {
		fmt.Fprintf(&b, "| Dominant regimen | %s |\n", run.Meta.DominantRegimen)
	}

	b.WriteString("\n## Channel Statistics\n\n")
	b.WriteString("| Sensor | Mean | Std dev | Min | Max |\n|---|---|---|---|---|\n")
	for _, st := range run.Statistics {
		f := stats.Formatted(st)
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", st.Channel, f[0], f[1], f[2], f[3])
	}

	b.WriteString("\n## Regime Distribution\n\n")
	b.WriteString("| Regimen | Samples | Share |\n|---|---|---|\n")
	counts := make(map[model.Label]int)
	for _, s := range run.Samples {
		if s.Regimen.Known() {
			counts[s.Regimen]++
		} else {
			counts[model.LabelUnknown]++
		}
	}
	for _, l := range append(append([]model.Label(nil), model.LabelOrder...), model.LabelUnknown) {
		share := 0.0
		if len(run.Samples) > 0 {
			share = 100 * float64(counts[l]) / float64(len(run.Samples))
		}
		fmt.Fprintf(&b, "| %s | %d | %.1f%% |\n", l, counts[l], share)
	}
	return b.String()
}

func toHTML(md string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	return string(markdown.ToHTML([]byte(md), p, nil))
}
