package iptcpstack

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts listener activity, labelled by local port.
type Metrics struct {
	syns       *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	synAcks    *prometheus.CounterVec
}

// NewMetrics creates the listener counters and registers them on reg, if
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		syns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtcp",
			Subsystem: "listener",
			Name:      "syn_total",
			Help:      "SYN segments seen by listeners, by admission result.",
		}, []string{"port", "result"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtcp",
			Subsystem: "listener",
			Name:      "malformed_segments_total",
			Help:      "Segments rejected as malformed.",
		}, []string{"port"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtcp",
			Subsystem: "listener",
			Name:      "handshakes_total",
			Help:      "Finished passive opens, by outcome.",
		}, []string{"port", "result"}),
		synAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtcp",
			Subsystem: "listener",
			Name:      "synack_sent_total",
			Help:      "SYN-ACK segments handed to the link.",
		}, []string{"port"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.syns, m.malformed, m.handshakes, m.synAcks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func portLabel(ep Endpoint) string { return strconv.Itoa(int(ep.Port())) }

func (m *Metrics) synAdmitted(local Endpoint) {
	m.syns.WithLabelValues(portLabel(local), "admitted").Inc()
}

func (m *Metrics) synRefused(local Endpoint) {
	m.syns.WithLabelValues(portLabel(local), "refused").Inc()
}

func (m *Metrics) malformedSegment(local Endpoint) {
	m.malformed.WithLabelValues(portLabel(local)).Inc()
}

func (m *Metrics) established(local Endpoint) {
	m.handshakes.WithLabelValues(portLabel(local), "established").Inc()
}

func (m *Metrics) timedOut(local Endpoint) {
	m.handshakes.WithLabelValues(portLabel(local), "timeout").Inc()
}

func (m *Metrics) synAckSent(local Endpoint) {
	m.synAcks.WithLabelValues(portLabel(local)).Inc()
}
