package stream

import (
	"FlowDAQ/internal/model"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subj, data: data})
	return nil
}

func newTestPublisher() (*Publisher, *fakeConn) {
	fc := &fakeConn{}
	return &Publisher{nc: fc, prefix: "flowdaq"}, fc
}

func TestPublisher_SampleRoundTripsThroughDecode(t *testing.T) {
	p, fc := newTestPublisher()
	sample := model.Sample{
		Time:    1.5,
		Values:  map[string]float64{"sensor1": 2.25, "sensor2": math.NaN()},
		Regimen: model.LabelTurbulent,
	}

	require.NoError(t, p.PublishSample("run-1", 3, sample))
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "flowdaq.samples", fc.msgs[0].subject)

	msg, err := Decode(fc.msgs[0].subject, fc.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, KindSample, msg.Kind)
	assert.Equal(t, "run-1", msg.RunID())

	index, got, err := msg.Sample()
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 1.5, got.Time)
	assert.Equal(t, model.LabelTurbulent, got.Regimen)
	assert.Equal(t, map[string]float64{"sensor1": 2.25}, got.Values, "non-finite values travel as null")
}

func TestPublisher_SampleWithoutRegimenIsUnknown(t *testing.T) {
	p, fc := newTestPublisher()
	require.NoError(t, p.PublishSample("run-1", 0, model.Sample{Values: map[string]float64{}}))

	msg, err := Decode(fc.msgs[0].subject, fc.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN", msg.Payload.GetFields()["regimen"].GetStringValue())
}

func TestPublisher_Classification(t *testing.T) {
	p, fc := newTestPublisher()
	ev := model.ClassificationEvent{
		Label:         model.LabelLaminar,
		Probabilities: []float64{0.7, 0.2, 0.1},
		WindowSize:    60,
		ReceivedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, p.PublishClassification("run-7", ev))
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "flowdaq.predictions", fc.msgs[0].subject)

	msg, err := Decode(fc.msgs[0].subject, fc.msgs[0].data)
	require.NoError(t, err)
	f := msg.Payload.GetFields()
	assert.Equal(t, KindClassification, msg.Kind)
	assert.Equal(t, "LAMINAR", f["label"].GetStringValue())
	assert.Equal(t, 60.0, f["window"].GetNumberValue())
	assert.Equal(t, "2024-01-02T03:04:05Z", f["received_at"].GetStringValue())
	probs := f["probs"].GetListValue().GetValues()
	require.Len(t, probs, 3)
	assert.Equal(t, 0.7, probs[0].GetNumberValue())

	_, _, err = msg.Sample()
	assert.Error(t, err)
}

func TestPublisher_Status(t *testing.T) {
	p, fc := newTestPublisher()
	require.NoError(t, p.PublishStatus("run-2", model.StatusCompleted))

	msg, err := Decode(fc.msgs[0].subject, fc.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, "flowdaq.status", msg.Subject)
	assert.Equal(t, KindStatus, msg.Kind)
	assert.Equal(t, "completed", msg.Payload.GetFields()["status"].GetStringValue())
}

func TestPublisher_PropagatesPublishError(t *testing.T) {
	p, fc := newTestPublisher()
	fc.err = errors.New("nats: connection closed")
	assert.ErrorIs(t, p.PublishStatus("run-2", model.StatusRunning), fc.err)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode("flowdaq.samples", []byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
