package keg

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Metrics is the replica manager's counter set. The prometheus package
// builds a registered instance; NopMetrics is for tests.
type Metrics struct {
	IsrExpands                metrics.Counter
	IsrShrinks                metrics.Counter
	IsrChangePropagations     metrics.Counter
	DelayedProduceExpirations metrics.Counter
	DelayedFetchExpirations   metrics.Counter
	FailedProduceRequests     metrics.Counter
	FailedFetchRequests       metrics.Counter
	OfflineReplicas           metrics.Counter
}

// NopMetrics returns a Metrics whose counters discard everything.
func NopMetrics() *Metrics {
	return &Metrics{
		IsrExpands:                discard.NewCounter(),
		IsrShrinks:                discard.NewCounter(),
		IsrChangePropagations:     discard.NewCounter(),
		DelayedProduceExpirations: discard.NewCounter(),
		DelayedFetchExpirations:   discard.NewCounter(),
		FailedProduceRequests:     discard.NewCounter(),
		FailedFetchRequests:       discard.NewCounter(),
		OfflineReplicas:           discard.NewCounter(),
	}
}
