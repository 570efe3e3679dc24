package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/pulse"
)

const metricNamespace = "plcpulse"

// Metrics holds the bridge collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Samples    prometheus.Counter
	CoilValue  prometheus.Gauge
	Faults     *prometheus.CounterVec
	SinkErrors prometheus.Counter
	State      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "samples_total",
			Help:      "Number of coil samples read from the device",
		}),
		CoilValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "coil_value",
			Help:      "Last coil value read (1 = on)",
		}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "faults_total",
			Help:      "Connect and read faults by kind",
		}, []string{"kind"}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "sink_errors_total",
			Help:      "Samples that could not be persisted",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.Samples, m.CoilValue, m.Faults, m.SinkErrors, m.State,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setState(pulse.Disconnected)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

/* =========================
   pulse.EventPublisher
   ========================= */

func (m *Metrics) PublishState(state pulse.ConnectionState) { m.setState(state) }

func (m *Metrics) PublishSample(sample pulse.Sample) {
	m.Samples.Inc()
	if sample.Value {
		m.CoilValue.Set(1)
	} else {
		m.CoilValue.Set(0)
	}
}

func (m *Metrics) PublishFault(fault pulse.Fault) {
	m.Faults.WithLabelValues(string(fault.Kind)).Inc()
}

func (m *Metrics) setState(state pulse.ConnectionState) {
	for _, s := range []pulse.ConnectionState{pulse.Disconnected, pulse.Connecting, pulse.Connected} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(string(s)).Set(v)
	}
}

/* =========================
   Sink instrumentation
   ========================= */

type instrumentedSink struct {
	next pulse.PersistenceSink
	m    *Metrics
}

// InstrumentSink counts failed appends of next.
func (m *Metrics) InstrumentSink(next pulse.PersistenceSink) pulse.PersistenceSink {
	return &instrumentedSink{next: next, m: m}
}

func (s *instrumentedSink) Append(sample pulse.Sample, cfg config.DeviceConfig) error {
	err := s.next.Append(sample, cfg)
	if err != nil {
		s.m.SinkErrors.Inc()
	}
	return err
}

// Close forwards to the wrapped sink when it has one.
func (s *instrumentedSink) Close() error {
	if c, ok := s.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
