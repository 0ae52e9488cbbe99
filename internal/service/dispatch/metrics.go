package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesAttempted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "federate_dispatch_deliveries_attempted_total",
	Help: "Outbound inbox deliveries attempted.",
})

var deliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "federate_dispatch_deliveries_failed_total",
	Help: "Deliveries dropped on a terminal failure.",
})

var deliveriesRetryable = promauto.NewCounter(prometheus.CounterOpts{
	Name: "federate_dispatch_deliveries_retryable_total",
	Help: "Deliveries that failed with a retryable condition.",
})

var retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "federate_dispatch_retries_scheduled_total",
	Help: "Retry tickets booked.",
})

var deliveriesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "federate_dispatch_deliveries_abandoned_total",
	Help: "Inbox deliveries abandoned after exhausting retries.",
})
