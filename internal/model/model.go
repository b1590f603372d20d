package model

import (
	"strings"
	"time"
)

// Channel is one sensor's numeric data stream within a session.
type Channel struct {
	ID     string `yaml:"id" json:"id"`
	Active bool   `yaml:"active" json:"active"`
}

// ActiveChannelIDs returns the IDs of the active channels, preserving order.
func ActiveChannelIDs(channels []Channel) []string {
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch.Active {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}

// Sample is a single multi-channel reading taken at Time seconds after session start.
// Regimen is the most recent classification known when the sample was taken; it is a
// recency annotation only and is not correlated with the window the backend classified.
type Sample struct {
	Time    float64            `json:"time"`
	Values  map[string]float64 `json:"values"`
	Regimen Label              `json:"regimen,omitempty"`
}

// OrderedValues returns the sample's values in the given channel order.
func (s Sample) OrderedValues(channels []string) []float64 {
	values := make([]float64, len(channels))
	for i, ch := range channels {
		values[i] = s.Values[ch]
	}
	return values
}

// Status is the lifecycle state of an acquisition session.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusCompleted
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Finished reports whether the status is terminal (Completed or Stopped).
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusStopped
}

// Session is one bounded acquisition run across all active channels.
type Session struct {
	ID              string
	FileName        string
	StartedAt       time.Time
	DurationSeconds float64
	SampleRateHz    float64
	ActiveChannels  []string
	Samples         []Sample
	Status          Status
}

// PlannedSamples returns floor(duration*rate)+1, the number of samples produced by an
// uninterrupted run.
func PlannedSamples(durationSeconds, sampleRateHz float64) int {
	if durationSeconds <= 0 || sampleRateHz <= 0 {
		return 1
	}
	// The epsilon absorbs products like 0.3*10 = 2.9999999999999996.
	return int(durationSeconds*sampleRateHz+1e-9) + 1
}

// Label is a flow regime class emitted by the inference service.
type Label string

const (
	LabelLaminar    Label = "LAMINAR"
	LabelTransition Label = "TRANSITION"
	LabelTurbulent  Label = "TURBULENT"
	LabelUnknown    Label = "UNKNOWN"
)

// LabelOrder is the fixed order the probability vector is aligned to.
var LabelOrder = []Label{LabelLaminar, LabelTransition, LabelTurbulent}

// ParseLabel maps a wire or file value to a Label. Unrecognized values, empty strings and the
// legacy "indeterminado" all map to LabelUnknown.
func ParseLabel(s string) Label {
	switch Label(strings.ToUpper(strings.TrimSpace(s))) {
	case LabelLaminar:
		return LabelLaminar
	case LabelTransition:
		return LabelTransition
	case LabelTurbulent:
		return LabelTurbulent
	default:
		return LabelUnknown
	}
}

// Known reports whether the label is one of the real regime classes.
func (l Label) Known() bool {
	return l == LabelLaminar || l == LabelTransition || l == LabelTurbulent
}

// ClassificationEvent is a regime label plus probability vector emitted asynchronously by the
// inference service. Events carry no ordering guarantee relative to samples: the latest event
// is best-effort recency only.
type ClassificationEvent struct {
	Label         Label     `json:"label"`
	Probabilities []float64 `json:"probs"`
	WindowSize    int       `json:"window"`
	ReceivedAt    time.Time `json:"received_at"`
}

// UnknownClassification is the classification state before any prediction arrives.
func UnknownClassification() ClassificationEvent {
	return ClassificationEvent{Label: LabelUnknown}
}

// ChannelStatistics holds descriptive statistics over the finite values seen for a channel.
// When fewer than two valid values exist the statistics are unavailable and Available is false.
type ChannelStatistics struct {
	Channel   string  `json:"channel"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Available bool    `json:"available"`
}
