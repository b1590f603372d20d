package inference

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for the inference client.
type Metrics struct {
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	samplesDropped    prometheus.Counter
	reconnectAttempts prometheus.Counter
	predictions       *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	connectionState   prometheus.Gauge
}

// newMetrics registers the client's collectors. It returns nil when registry is nil, which
// disables metrics.
func newMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdaq",
			Subsystem: "inference",
			Name:      "messages_sent_total",
			Help:      "Total messages written to the inference service",
		}, []string{"type"}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdaq",
			Subsystem: "inference",
			Name:      "messages_received_total",
			Help:      "Total messages read from the inference service",
		}, []string{"type"}),

		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowdaq",
			Subsystem: "inference",
			Name:      "samples_dropped_total",
			Help:      "Sample batches discarded because the client was not connected",
		}),

		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowdaq",
			Subsystem: "inference",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnection attempts",
		}),

		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdaq",
			Subsystem: "inference",
			Name:      "predictions_total",
			Help:      "Predictions received, by regime label",
		}, []string{"label"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdaq",
			Subsystem: "inference",
			Name:      "errors_total",
			Help:      "Client errors by kind",
		}, []string{"kind"}),

		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowdaq",
			Subsystem: "inference",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
		}),
	}

	registry.MustRegister(
		m.messagesSent,
		m.messagesReceived,
		m.samplesDropped,
		m.reconnectAttempts,
		m.predictions,
		m.errorsTotal,
		m.connectionState,
	)
	return m
}

func (m *Metrics) trackError(kind string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) trackSent(msgType string) {
	if m != nil {
		m.messagesSent.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) trackReceived(msgType string) {
	if m != nil {
		m.messagesReceived.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) trackDropped() {
	if m != nil {
		m.samplesDropped.Inc()
	}
}

func (m *Metrics) trackReconnect() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) trackPrediction(label string) {
	if m != nil {
		m.predictions.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) setState(s Status) {
	if m != nil {
		m.connectionState.Set(float64(s))
	}
}
