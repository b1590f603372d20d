package stats

import (
	"FlowDAQ/internal/model"
	"math"
	"sync"
)

type welford struct {
	n    int
	mean float64
	m2   float64
	min  float64
	max  float64
}

func (w *welford) add(v float64) {
	if w.n == 0 {
		w.min, w.max = v, v
	} else {
		w.min = math.Min(w.min, v)
		w.max = math.Max(w.max, v)
	}
	w.n++
	delta := v - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (v - w.mean)
}

// Aggregator maintains running statistics for a fixed set of channels.
// It is safe for concurrent use.
type Aggregator struct {
	mu       sync.RWMutex
	channels []string
	acc      map[string]*welford
}

// NewAggregator creates an aggregator for the given channels.
func NewAggregator(channels []string) *Aggregator {
	a := &Aggregator{
		channels: append([]string(nil), channels...),
		acc:      make(map[string]*welford, len(channels)),
	}
	for _, ch := range channels {
		a.acc[ch] = &welford{}
	}
	return a
}

// Add folds one sample into the running statistics. Values for unknown channels are ignored.
func (a *Aggregator) Add(s model.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch, v := range s.Values {
		w, ok := a.acc[ch]
		if !ok || !isFinite(v) {
			continue
		}
		w.add(v)
	}
}

// Snapshot returns the current statistics in channel order.
func (a *Aggregator) Snapshot() []model.ChannelStatistics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.ChannelStatistics, len(a.channels))
	for i, ch := range a.channels {
		w := a.acc[ch]
		st := model.ChannelStatistics{Channel: ch, Count: w.n}
		if w.n >= 2 {
			st.Mean = w.mean
			st.StdDev = math.Sqrt(w.m2 / float64(w.n-1))
			st.Min = w.min
			st.Max = w.max
			st.Available = true
		}
		out[i] = st
	}
	return out
}
