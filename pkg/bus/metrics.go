package bus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/srediag/shmbus/pkg/errcode"
)

const (
	outcomeOK       = "ok"
	outcomeFiltered = "filtered"
)

var (
	connectionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmbus",
		Subsystem: "bus",
		Name:      "connections_opened_total",
		Help:      "Bus connections opened, by scope.",
	}, []string{"scope"})

	namesRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmbus",
		Subsystem: "bus",
		Name:      "names_requested_total",
		Help:      "Well-known name requests, by outcome.",
	}, []string{"outcome"})

	callsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmbus",
		Subsystem: "bus",
		Name:      "calls_sent_total",
		Help:      "Method calls sent, by outcome.",
	}, []string{"outcome"})

	callsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmbus",
		Subsystem: "bus",
		Name:      "calls_received_total",
		Help:      "Inbound messages taken by listeners, by outcome.",
	}, []string{"outcome"})
)

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	var c errcode.Coder
	if errors.As(err, &c) {
		return c.Error()
	}
	return "unknown"
}
