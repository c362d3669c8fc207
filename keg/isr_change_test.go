package keg_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/keg"
	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/testutil"
)

// captureStore records propagated payloads.
type captureStore struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *captureStore) PropagateIsrChanges(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *captureStore) NotifyLogDirFailure(payload []byte) error { return nil }

func (s *captureStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *captureStore) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[len(s.payloads)-1]
}

func trackerConfig() *keg.Config {
	cfg := keg.DefaultConfig()
	cfg.IsrChangeTickInterval = 10 * time.Millisecond
	cfg.IsrChangeQuietPeriod = 30 * time.Millisecond
	cfg.IsrChangeMaxDelay = 5 * time.Second
	return cfg
}

func TestIsrTrackerPropagatesAfterQuietPeriod(t *testing.T) {
	store := &captureStore{}
	tracker := keg.NewIsrChangeTracker(1, trackerConfig(), store, keg.SystemClock(), log.NewNop(), keg.NopMetrics())
	tracker.Start()
	defer tracker.Stop()

	tracker.Enqueue(structs.IsrChange{Topic: "test", Partition: 0, ISR: []int32{1}, LeaderEpoch: 2})

	testutil.WaitForResult(func() (bool, error) {
		return store.count() == 1, nil
	}, func(err error) { t.Fatalf("never propagated: %v", err) })

	payload := store.last()
	require.Equal(t, structs.IsrChangeRequestType, structs.MessageType(payload[0]))
	var req structs.IsrChangeRequest
	require.NoError(t, structs.Decode(payload[1:], &req))
	require.Equal(t, int32(1), req.BrokerID)
	require.Len(t, req.Changes, 1)
	require.Equal(t, []int32{1}, req.Changes[0].ISR)
}

func TestIsrTrackerCoalescesPerPartition(t *testing.T) {
	store := &captureStore{}
	tracker := keg.NewIsrChangeTracker(1, trackerConfig(), store, keg.SystemClock(), log.NewNop(), keg.NopMetrics())
	tracker.Start()
	defer tracker.Stop()

	// Two changes to the same partition in quick succession: the newest
	// wins and one batch goes out.
	tracker.Enqueue(structs.IsrChange{Topic: "test", Partition: 0, ISR: []int32{1, 2}, LeaderEpoch: 2})
	tracker.Enqueue(structs.IsrChange{Topic: "test", Partition: 0, ISR: []int32{1}, LeaderEpoch: 2})

	testutil.WaitForResult(func() (bool, error) {
		return store.count() == 1, nil
	}, func(err error) { t.Fatalf("never propagated: %v", err) })

	var req structs.IsrChangeRequest
	require.NoError(t, structs.Decode(store.last()[1:], &req))
	require.Len(t, req.Changes, 1)
	require.Equal(t, []int32{1}, req.Changes[0].ISR)
}

func TestIsrTrackerStopFlushes(t *testing.T) {
	store := &captureStore{}
	cfg := trackerConfig()
	cfg.IsrChangeQuietPeriod = time.Hour // never propagates on its own
	cfg.IsrChangeMaxDelay = time.Hour
	tracker := keg.NewIsrChangeTracker(1, cfg, store, keg.SystemClock(), log.NewNop(), keg.NopMetrics())
	tracker.Start()

	tracker.Enqueue(structs.IsrChange{Topic: "test", Partition: 0, ISR: []int32{1}, LeaderEpoch: 2})
	tracker.Stop()
	require.Equal(t, 1, store.count())
}
