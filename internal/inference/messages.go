package inference

import "errors"

// Message types exchanged with the inference service.
const (
	TypeConfig     = "CONFIG"
	TypeSamples    = "SAMPLES"
	TypeAck        = "ACK"
	TypePrediction = "PREDICTION"
	TypeError      = "ERROR"
	TypeFilling    = "FILLING"
)

// ErrInvalidMessage is reported for inbound frames that are not a JSON object with a type.
var ErrInvalidMessage = errors.New("invalid message from server")

type configMessage struct {
	Type     string `json:"type"`
	NSensors int    `json:"n_sensors"`
	Hop      int    `json:"hop"`
}

type samplesMessage struct {
	Type   string    `json:"type"`
	Values []float64 `json:"values"`
}

// serverMessage is the union of every inbound message; only the fields of Type are set.
type serverMessage struct {
	Type   string    `json:"type"`
	Label  string    `json:"label"`
	Probs  []float64 `json:"probs"`
	Window int       `json:"window"`
	Msg    string    `json:"msg"`
	Have   int       `json:"have"`
	Need   int       `json:"need"`
}
