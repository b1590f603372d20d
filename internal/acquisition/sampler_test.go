package acquisition

import (
	"FlowDAQ/internal/clock"
	"FlowDAQ/internal/model"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	indexes   []int
	samples   []model.Sample
	completed int
}

func (r *recorder) OnSample(index int, s model.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes = append(r.indexes, index)
	r.samples = append(r.samples, s)
}

func (r *recorder) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *recorder) times() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.Time
	}
	return out
}

func constant(v float64) Generator {
	return GeneratorFunc(func(_ float64, channels []string) map[string]float64 {
		out := make(map[string]float64, len(channels))
		for _, ch := range channels {
			out[ch] = v
		}
		return out
	})
}

func newTestSampler(duration, rate float64, channels ...string) (*Sampler, *clock.Fake, *recorder) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	rec := &recorder{}
	plan := Plan{DurationSeconds: duration, SampleRateHz: rate, Channels: channels}
	return NewSampler(plan, clk, constant(1), rec), clk, rec
}

func TestSampler_RunsToCompletion(t *testing.T) {
	s, clk, rec := newTestSampler(10, 2, "sensor1", "sensor2")
	require.NoError(t, s.Start())

	// The t=0 sample is emitted synchronously.
	assert.Equal(t, []float64{0}, rec.times())

	clk.Advance(10 * time.Second)

	require.Len(t, rec.samples, 21)
	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, 0.0, rec.samples[0].Time)
	assert.Equal(t, 10.0, rec.samples[20].Time)
	for i, s := range rec.samples {
		assert.Equal(t, i, rec.indexes[i])
		assert.InDelta(t, float64(i)*0.5, s.Time, 1e-9)
		assert.Len(t, s.Values, 2)
	}
	assert.False(t, s.Running())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Len(t, rec.samples, 21)
	assert.Equal(t, 1, rec.completed)
}

func TestSampler_PlannedCount(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		rate     float64
		want     int
		last     float64
	}{
		{"integer product", 3, 4, 13, 3},
		{"fractional product", 1.25, 2, 3, 1.25},
		{"sub-second rate", 5, 0.5, 3, 5},
		{"float product rounding", 0.3, 10, 4, 0.3},
		{"shorter than one period", 0.3, 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clk, rec := newTestSampler(tt.duration, tt.rate, "sensor1")
			require.NoError(t, s.Start())
			clk.Advance(time.Duration((tt.duration + 5/tt.rate) * float64(time.Second)))

			assert.Equal(t, tt.want, model.PlannedSamples(tt.duration, tt.rate))
			times := rec.times()
			require.Len(t, times, tt.want)
			assert.Equal(t, tt.last, times[len(times)-1])
			for i := 1; i < len(times); i++ {
				assert.Greater(t, times[i], times[i-1])
			}
			assert.Equal(t, 1, rec.completed)
		})
	}
}

func TestSampler_StopMidRun(t *testing.T) {
	s, clk, rec := newTestSampler(10, 2, "sensor1", "sensor2")
	require.NoError(t, s.Start())

	clk.Advance(4300 * time.Millisecond)
	s.Stop()
	clk.Advance(20 * time.Second)

	times := rec.times()
	require.Len(t, times, 9)
	assert.Equal(t, 4.0, times[8])
	assert.Equal(t, 4.0, s.Elapsed())
	assert.Equal(t, 0, rec.completed)
	assert.Equal(t, 0, clk.Pending())
}

func TestSampler_StopIsIdempotentAndStartOnce(t *testing.T) {
	s, _, rec := newTestSampler(1, 1, "sensor1")
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()

	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
	assert.Len(t, rec.samples, 1)
}

func TestSampler_InvalidPlan(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	for _, plan := range []Plan{
		{DurationSeconds: 0, SampleRateHz: 1, Channels: []string{"a"}},
		{DurationSeconds: 1, SampleRateHz: 0, Channels: []string{"a"}},
		{DurationSeconds: 1, SampleRateHz: 1},
	} {
		rec := &recorder{}
		err := NewSampler(plan, clk, nil, rec).Start()
		assert.Error(t, err)
		assert.Empty(t, rec.samples)
	}
}

func TestSyntheticGenerator(t *testing.T) {
	channels := []string{"sensor1", "sensor2", "sensor3"}
	a := NewSyntheticGenerator(42).Generate(1.5, channels)
	b := NewSyntheticGenerator(42).Generate(1.5, channels)
	assert.Equal(t, a, b)

	require.Len(t, a, 3)
	for i, ch := range channels {
		v := a[ch]
		base := math.Sin(1.5 * float64(i+1))
		assert.GreaterOrEqual(t, v, base-0.005)
		assert.Less(t, v, base+5.005)
		assert.Equal(t, v, math.Round(v*100)/100)
	}
}
