package mock

import (
	"sync"

	kitmetrics "github.com/go-kit/kit/metrics"

	"github.com/kegstream/keg/keg"
)

// Counter is a go-kit counter tests can read back.
type Counter struct {
	mu    sync.Mutex
	value float64
}

var _ kitmetrics.Counter = (*Counter)(nil)

func (c *Counter) With(labelValues ...string) kitmetrics.Counter { return c }

func (c *Counter) Add(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
}

func (c *Counter) Count() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Metrics returns a keg.Metrics backed by readable counters.
func Metrics() *keg.Metrics {
	return &keg.Metrics{
		IsrExpands:                &Counter{},
		IsrShrinks:                &Counter{},
		IsrChangePropagations:     &Counter{},
		DelayedProduceExpirations: &Counter{},
		DelayedFetchExpirations:   &Counter{},
		FailedProduceRequests:     &Counter{},
		FailedFetchRequests:       &Counter{},
		OfflineReplicas:           &Counter{},
	}
}
