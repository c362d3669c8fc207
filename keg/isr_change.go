package keg

import (
	"sync"
	"time"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
)

// IsrChangeTracker buffers ISR shrinks and expands and propagates them to
// the metadata store with coalescing: after a quiet period with no further
// churn, or unconditionally once the last propagation (or the tracker's
// creation) is long enough ago.
type IsrChangeTracker struct {
	brokerID int32
	store    MetadataStore
	clock    Clock
	logger   log.Logger
	metrics  *Metrics

	tick     time.Duration
	quiet    time.Duration
	maxDelay time.Duration

	mu            sync.Mutex
	changes       map[structs.TopicPartition]structs.IsrChange
	lastChange    time.Time
	lastPropagate time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func NewIsrChangeTracker(brokerID int32, config *Config, store MetadataStore, clock Clock, logger log.Logger, metrics *Metrics) *IsrChangeTracker {
	return &IsrChangeTracker{
		brokerID: brokerID,
		store:    store,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		tick:     config.IsrChangeTickInterval,
		quiet:    config.IsrChangeQuietPeriod,
		maxDelay: config.IsrChangeMaxDelay,
		changes:  make(map[structs.TopicPartition]structs.IsrChange),
		done:     make(chan struct{}),

		lastPropagate: clock.Now(),
	}
}

// Enqueue buffers a change; the newest change per partition wins.
func (t *IsrChangeTracker) Enqueue(change structs.IsrChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes[structs.TopicPartition{Topic: change.Topic, Partition: change.Partition}] = change
	t.lastChange = t.clock.Now()
}

func (t *IsrChangeTracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.tick)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.maybePropagate()
			}
		}
	}()
}

// Stop flushes anything still buffered and stops the loop.
func (t *IsrChangeTracker) Stop() {
	close(t.done)
	t.wg.Wait()
	t.propagate()
}

func (t *IsrChangeTracker) maybePropagate() {
	now := t.clock.Now()
	t.mu.Lock()
	pending := len(t.changes)
	quietEnough := pending > 0 && now.Sub(t.lastChange) >= t.quiet
	overdue := pending > 0 && now.Sub(t.lastPropagate) >= t.maxDelay
	t.mu.Unlock()
	if quietEnough || overdue {
		t.propagate()
	}
}

// propagate encodes the buffered batch and hands it to the metadata store,
// clearing the buffer atomically with the snapshot.
func (t *IsrChangeTracker) propagate() {
	t.mu.Lock()
	if len(t.changes) == 0 {
		t.mu.Unlock()
		return
	}
	req := structs.IsrChangeRequest{BrokerID: t.brokerID}
	for _, c := range t.changes {
		req.Changes = append(req.Changes, c)
	}
	t.changes = make(map[structs.TopicPartition]structs.IsrChange)
	t.lastPropagate = t.clock.Now()
	t.mu.Unlock()

	payload, err := structs.Encode(structs.IsrChangeRequestType, req)
	if err != nil {
		t.logger.Error("encoding isr changes failed", log.Error("error", err))
		return
	}
	if err := t.store.PropagateIsrChanges(payload); err != nil {
		t.logger.Error("propagating isr changes failed", log.Error("error", err))
		// Requeue so the next tick retries.
		t.mu.Lock()
		for _, c := range req.Changes {
			tp := structs.TopicPartition{Topic: c.Topic, Partition: c.Partition}
			if _, ok := t.changes[tp]; !ok {
				t.changes[tp] = c
			}
		}
		t.mu.Unlock()
		return
	}
	if t.metrics != nil {
		t.metrics.IsrChangePropagations.Add(1)
	}
	t.logger.Debug("propagated isr changes", log.Int("count", len(req.Changes)))
}
