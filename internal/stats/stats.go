// Package stats computes per-channel descriptive statistics over acquisition samples.
//
// Two forms are provided: Compute recomputes from a full sample buffer, and Aggregator updates
// in O(1) per sample using Welford's algorithm. Both exclude missing and non-finite values and
// use the sample standard deviation (Bessel's correction).
package stats

import (
	"FlowDAQ/internal/model"
	"math"
	"strconv"
)

// NotAvailable is the rendering of a statistic computed from fewer than two valid values.
const NotAvailable = "N/A"

// Compute returns statistics for each channel, in channel order, over the given samples.
func Compute(samples []model.Sample, channels []string) []model.ChannelStatistics {
	out := make([]model.ChannelStatistics, len(channels))
	for i, ch := range channels {
		values := make([]float64, 0, len(samples))
		for _, s := range samples {
			if v, ok := s.Values[ch]; ok && isFinite(v) {
				values = append(values, v)
			}
		}
		out[i] = summarize(ch, values)
	}
	return out
}

func summarize(channel string, values []float64) model.ChannelStatistics {
	st := model.ChannelStatistics{Channel: channel, Count: len(values)}
	if len(values) < 2 {
		return st
	}

	sum := 0.0
	st.Min, st.Max = values[0], values[0]
	for _, v := range values {
		sum += v
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	st.Mean = sum / float64(len(values))

	sq := 0.0
	for _, v := range values {
		d := v - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(values)-1))
	st.Available = true
	return st
}

// Formatted returns mean, stdDev, min and max rendered with two decimals, or NotAvailable.
func Formatted(st model.ChannelStatistics) [4]string {
	if !st.Available {
		return [4]string{NotAvailable, NotAvailable, NotAvailable, NotAvailable}
	}
	return [4]string{format(st.Mean), format(st.StdDev), format(st.Min), format(st.Max)}
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
