package inbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ingestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federate_inbox_ingested_total",
	Help: "Inbound activities stored or merged, by kind.",
}, []string{"kind"})

var handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federate_inbox_handler_failures_total",
	Help: "Type-specific handler executions that returned an error.",
}, []string{"kind"})
