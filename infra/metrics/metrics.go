// Package metrics holds the Prometheus collectors of the feed handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feedhandler"

// Channel collectors are labelled by channel name ("<name>-<id>").
type Metrics struct {
	Actions         *prometheus.CounterVec
	Gaps            *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	RequestFailures *prometheus.CounterVec
	Delivered       *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	State           *prometheus.GaugeVec
	ExpectedNextSeq *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "actions_total",
			Help:      "Frames handled, by resulting action",
		}, []string{"channel", "action"}),

		Gaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "gaps_total",
			Help:      "Sequence gaps detected",
		}, []string{"channel"}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "retransmit_requests_total",
			Help:      "Retransmission requests issued",
		}, []string{"channel"}),

		RequestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "retransmit_failures_total",
			Help:      "Retransmission requests that did not complete",
		}, []string{"channel", "result"}),

		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "delivered_total",
			Help:      "Events released downstream",
		}, []string{"channel"}),

		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "errors_total",
			Help:      "Errors returned by the channel state machine",
		}, []string{"channel", "kind"}),

		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state",
			Help:      "Current state (0=INITIALIZATION 1=PASS_THRU 2=BUFFERING 3=STOP)",
		}, []string{"channel"}),

		ExpectedNextSeq: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "expected_next_seq",
			Help:      "Next channel sequence the handler waits for",
		}, []string{"channel"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "transitions_total",
			Help:      "State transitions",
		}, []string{"channel", "from", "to"}),
	}
}
