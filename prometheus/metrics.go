package prometheus

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kegstream/keg/keg"
)

// NewMetrics builds the replica manager's counters and registers them with
// the default prometheus registerer.
func NewMetrics() *keg.Metrics {
	counter := func(name, help string) *kitprometheus.Counter {
		return kitprometheus.NewCounterFrom(prometheus.CounterOpts{
			Namespace: "keg",
			Subsystem: "replica_manager",
			Name:      name,
			Help:      help,
		}, nil)
	}
	return &keg.Metrics{
		IsrExpands:                counter("isr_expands_total", "Number of replicas admitted into an ISR."),
		IsrShrinks:                counter("isr_shrinks_total", "Number of replicas dropped from an ISR."),
		IsrChangePropagations:     counter("isr_change_propagations_total", "Number of coalesced ISR change batches propagated."),
		DelayedProduceExpirations: counter("delayed_produce_expirations_total", "Number of acks=all produces that hit their deadline."),
		DelayedFetchExpirations:   counter("delayed_fetch_expirations_total", "Number of long-poll fetches that hit their deadline."),
		FailedProduceRequests:     counter("failed_produce_requests_total", "Number of produce partitions rejected."),
		FailedFetchRequests:       counter("failed_fetch_requests_total", "Number of fetch partitions rejected."),
		OfflineReplicas:           counter("offline_replicas_total", "Number of partitions taken offline by dir failures."),
	}
}
