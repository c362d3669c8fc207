package keg

import (
	"fmt"
	"io/ioutil"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/go-testing-interface"

	"github.com/kegstream/keg/log"
)

var nodeNumber int32

// TestConfig returns a config with a fresh broker id, a temp data dir and
// timings tightened for tests.
func TestConfig(t testing.T) *Config {
	dir, err := ioutil.TempDir("", "keg-test")
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	cfg := DefaultConfig()
	cfg.ID = atomic.AddInt32(&nodeNumber, 1)
	cfg.NodeName = fmt.Sprintf("node%d", cfg.ID)
	cfg.DataDirs = []string{dir}
	cfg.ReplicaLagTimeMax = 10 * time.Second
	cfg.IsrShrinkInterval = 50 * time.Millisecond
	cfg.IsrChangeTickInterval = 20 * time.Millisecond
	cfg.IsrChangeQuietPeriod = 50 * time.Millisecond
	cfg.IsrChangeMaxDelay = 200 * time.Millisecond
	cfg.ReplicaFetchWait = 20 * time.Millisecond
	cfg.ReplicaFetchBackoffMax = 100 * time.Millisecond
	cfg.HighWatermarkCheckpointInterval = 50 * time.Millisecond
	cfg.PurgatoryPurgeInterval = 10
	cfg.MaxSegmentBytes = 1 << 20
	cfg.MaxIndexEntries = 4096
	cfg.Halt = func() {}
	return cfg
}

// NewTestReplicaManager wires a replica manager against a loopback
// metadata cache and commitlog-backed logs, and starts it.
func NewTestReplicaManager(t testing.T, cfg *Config, clock Clock, clientFactory FetchClientFactory) (*ReplicaManager, *MetadataCache) {
	logger := log.NewNop()
	cache, err := NewMetadataCache(cfg.ID, logger)
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	rm, err := NewReplicaManager(cfg, cache, cache, CommitLogFactory(cfg), clientFactory, clock, nil, NopMetrics(), logger)
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	rm.Start()
	return rm, cache
}

// ManualClock is a Clock tests move by hand.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{t: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
