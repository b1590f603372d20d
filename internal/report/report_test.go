package report

import (
	"FlowDAQ/internal/model"
	"FlowDAQ/internal/stats"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	subjects []string
	bodies   []string
	err      error
}

func (f *fakeNotifier) Send(subject, body string) error {
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return f.err
}

type fakeAnalyzer struct {
	input    string
	out      string
	err      error
	deadline bool
}

func (f *fakeAnalyzer) AnalyzeRun(ctx context.Context, input string) (string, error) {
	f.input = input
	_, f.deadline = ctx.Deadline()
	return f.out, f.err
}

func testRun() *model.FinishedRun {
	channels := []string{"sensor1", "sensor2"}
	samples := []model.Sample{
		{Time: 0, Values: map[string]float64{"sensor1": 1, "sensor2": 4}},
		{Time: 1, Values: map[string]float64{"sensor1": 2, "sensor2": 5}, Regimen: model.LabelLaminar},
		{Time: 2, Values: map[string]float64{"sensor1": 3}, Regimen: model.LabelLaminar},
		{Time: 3, Values: map[string]float64{"sensor1": 4}, Regimen: model.LabelTurbulent},
	}
	return &model.FinishedRun{
		Meta: model.RunMetadata{
			ID:              "run-9",
			FileName:        "bench",
			StartedAt:       time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC),
			SampleRateHz:    1,
			DurationSeconds: 3,
			ModelVersion:    "lstm-v1",
			DominantRegimen: model.LabelLaminar,
		},
		Channels:   channels,
		Samples:    samples,
		Statistics: stats.Compute(samples, channels),
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(testRun())

	assert.Contains(t, md, "| Run ID | run-9 |\n")
	assert.Contains(t, md, "| Started | 2024-02-01T08:00:00Z |\n")
	assert.Contains(t, md, "| Sampling rate | 1 Hz |\n")
	assert.Contains(t, md, "| Samples | 4 |\n")
	assert.Contains(t, md, "| sensor1 | 2.50 | 1.29 | 1.00 | 4.00 |\n")
	assert.Contains(t, md, "| sensor2 | 4.50 | 0.71 | 4.00 | 5.00 |\n")
	assert.Contains(t, md, "| LAMINAR | 2 | 50.0% |\n")
	assert.Contains(t, md, "| TRANSITION | 0 | 0.0% |\n")
	assert.Contains(t, md, "| TURBULENT | 1 | 25.0% |\n")
	assert.Contains(t, md, "| UNKNOWN | 1 | 25.0% |\n")
}

func TestMarkdown_UndersampledChannel(t *testing.T) {
	run := testRun()
	run.Samples = run.Samples[:1]
	run.Statistics = stats.Compute(run.Samples, run.Channels)

	assert.Contains(t, Markdown(run), "| sensor1 | N/A | N/A | N/A | N/A |\n")
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "FlowDAQ run bench finished (LAMINAR, 4 samples)", Subject(testRun()))

	run := testRun()
	run.Meta.DominantRegimen = ""
	assert.Equal(t, "FlowDAQ run bench finished (UNKNOWN, 4 samples)", Subject(run))
}

func TestReporter_WithAnalysis(t *testing.T) {
	n := &fakeNotifier{}
	a := &fakeAnalyzer{out: "Flow looks **stable**."}
	r := NewReporter(n, a, time.Second)

	require.NoError(t, r.Write(context.Background(), testRun()))
	require.Len(t, n.bodies, 1)
	body := n.bodies[0]
	assert.Contains(t, body, "<h1>FlowDAQ Run Report</h1>")
	assert.Contains(t, body, "<table>")
	assert.Contains(t, body, "<hr><h2>AI-Powered Analysis</h2>")
	assert.Contains(t, body, "<strong>stable</strong>")

	assert.Contains(t, a.input, "## Channel Statistics")
	assert.True(t, a.deadline, "analysis runs under a timeout")
}

func TestReporter_AnalysisFailureStillSends(t *testing.T) {
	n := &fakeNotifier{}
	r := NewReporter(n, &fakeAnalyzer{err: errors.New("quota exceeded")}, time.Second)

	require.NoError(t, r.Write(context.Background(), testRun()))
	require.Len(t, n.bodies, 1)
	assert.NotContains(t, n.bodies[0], "AI-Powered Analysis")
}

func TestReporter_WithoutAnalyzer(t *testing.T) {
	n := &fakeNotifier{}
	r := NewReporter(n, nil, 0)

	require.NoError(t, r.Write(context.Background(), testRun()))
	assert.NotContains(t, n.bodies[0], "AI-Powered Analysis")
	assert.Equal(t, "report", r.Name())
}

func TestReporter_SendFailureIsReturned(t *testing.T) {
	boom := errors.New("smtp down")
	r := NewReporter(&fakeNotifier{err: boom}, nil, 0)

	err := r.Write(context.Background(), testRun())
	assert.ErrorIs(t, err, boom)
}
