package stats

import (
	"FlowDAQ/internal/model"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplesOf(channel string, values ...float64) []model.Sample {
	out := make([]model.Sample, len(values))
	for i, v := range values {
		out[i] = model.Sample{Time: float64(i), Values: map[string]float64{channel: v}}
	}
	return out
}

func TestCompute_ReferenceFixture(t *testing.T) {
	got := Compute(samplesOf("sensor1", 1, 2, 3, 4, 5), []string{"sensor1"})
	require.Len(t, got, 1)

	st := got[0]
	require.True(t, st.Available)
	assert.Equal(t, 5, st.Count)
	assert.Equal(t, [4]string{"3.00", "1.58", "1.00", "5.00"}, Formatted(st))
	assert.InDelta(t, math.Sqrt(2.5), st.StdDev, 1e-12)
}

func TestCompute_FewerThanTwoValidValues(t *testing.T) {
	samples := samplesOf("sensor1", 4.2, math.NaN(), math.Inf(1))
	got := Compute(samples, []string{"sensor1", "sensor2"})

	for _, st := range got {
		assert.False(t, st.Available, "channel %s", st.Channel)
		assert.Equal(t, [4]string{NotAvailable, NotAvailable, NotAvailable, NotAvailable}, Formatted(st))
	}
	assert.Equal(t, 1, got[0].Count)
	assert.Equal(t, 0, got[1].Count)
}

func TestCompute_ExcludesMissingAndNonFinite(t *testing.T) {
	samples := []model.Sample{
		{Values: map[string]float64{"a": 1}},
		{Values: map[string]float64{"a": math.NaN()}},
		{Values: map[string]float64{}},
		{Values: map[string]float64{"a": 3}},
	}
	st := Compute(samples, []string{"a"})[0]
	require.True(t, st.Available)
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 2.0, st.Mean)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 3.0, st.Max)
}

func TestAggregator_MatchesBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	channels := []string{"sensor1", "sensor2", "sensor3"}
	agg := NewAggregator(channels)

	var samples []model.Sample
	for i := 0; i < 500; i++ {
		s := model.Sample{Time: float64(i) / 10, Values: map[string]float64{}}
		for j, ch := range channels {
			s.Values[ch] = rng.Float64()*5 + math.Sin(float64(i)*float64(j+1))
		}
		samples = append(samples, s)
		agg.Add(s)
	}

	batch := Compute(samples, channels)
	incremental := agg.Snapshot()
	require.Len(t, incremental, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i].Count, incremental[i].Count)
		assert.InEpsilon(t, batch[i].Mean, incremental[i].Mean, 1e-9)
		assert.InEpsilon(t, batch[i].StdDev, incremental[i].StdDev, 1e-9)
		assert.Equal(t, batch[i].Min, incremental[i].Min)
		assert.Equal(t, batch[i].Max, incremental[i].Max)
	}
}

func TestAggregator_UnavailableUntilTwoValues(t *testing.T) {
	agg := NewAggregator([]string{"a"})
	agg.Add(model.Sample{Values: map[string]float64{"a": 7, "ignored": 1}})
	assert.False(t, agg.Snapshot()[0].Available)

	agg.Add(model.Sample{Values: map[string]float64{"a": 9}})
	st := agg.Snapshot()[0]
	require.True(t, st.Available)
	assert.Equal(t, 8.0, st.Mean)
	assert.InDelta(t, math.Sqrt2, st.StdDev, 1e-12)
}
