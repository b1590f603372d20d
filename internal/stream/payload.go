// Package stream fans live session data out over NATS.
package stream

import (
	"FlowDAQ/internal/model"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind identifies which of the session subjects a message was published on.
type Kind string

const (
	KindSample         Kind = "samples"
	KindClassification Kind = "predictions"
	KindStatus         Kind = "status"
)

// Subject returns the subject messages of the given kind are published on.
func Subject(prefix string, kind Kind) string {
	return prefix + "." + string(kind)
}

// Message is a decoded session message.
type Message struct {
	Subject string
	Kind    Kind
	Payload *structpb.Struct
}

// RunID returns the run the message belongs to.
func (m *Message) RunID() string {
	return m.Payload.GetFields()["run_id"].GetStringValue()
}

// Sample extracts the sample carried by a KindSample message.
func (m *Message) Sample() (int, model.Sample, error) {
	if m.Kind != KindSample {
		return 0, model.Sample{}, fmt.Errorf("message on '%s' does not carry a sample", m.Subject)
	}
	f := m.Payload.GetFields()
	s := model.Sample{
		Time:    f["time"].GetNumberValue(),
		Values:  make(map[string]float64),
		Regimen: model.ParseLabel(f["regimen"].GetStringValue()),
	}
	for ch, v := range f["values"].GetStructValue().GetFields() {
		if _, ok := v.GetKind().(*structpb.Value_NullValue); ok {
			continue
		}
		s.Values[ch] = v.GetNumberValue()
	}
	return int(f["index"].GetNumberValue()), s, nil
}

// Decode parses a message received on subject.
func Decode(subject string, data []byte) (*Message, error) {
	var pb structpb.Struct
	if err := proto.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	kind := Kind(subject[strings.LastIndex(subject, ".")+1:])
	return &Message{Subject: subject, Kind: kind, Payload: &pb}, nil
}

func samplePayload(runID string, index int, sample model.Sample) (*structpb.Struct, error) {
	values := make(map[string]any, len(sample.Values))
	for ch, v := range sample.Values {
		// Non-finite values have no JSON form and are sent as null.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[ch] = nil
			continue
		}
		values[ch] = v
	}
	regimen := sample.Regimen
	if regimen == "" {
		regimen = model.LabelUnknown
	}
	return structpb.NewStruct(map[string]any{
		"run_id":  runID,
		"index":   index,
		"time":    sample.Time,
		"values":  values,
		"regimen": string(regimen),
	})
}

func classificationPayload(runID string, ev model.ClassificationEvent) (*structpb.Struct, error) {
	probs := make([]any, len(ev.Probabilities))
	for i, p := range ev.Probabilities {
		probs[i] = p
	}
	return structpb.NewStruct(map[string]any{
		"run_id":      runID,
		"label":       string(ev.Label),
		"probs":       probs,
		"window":      ev.WindowSize,
		"received_at": ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}

func statusPayload(runID string, status model.Status) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"run_id": runID,
		"status": status.String(),
	})
}
