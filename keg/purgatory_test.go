package keg

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
)

// stubOp completes when its ready flag flips, and counts its callbacks.
type stubOp struct {
	ready       int32
	completes   int32
	expirations int32
}

func (o *stubOp) TryComplete() bool { return atomic.LoadInt32(&o.ready) == 1 }
func (o *stubOp) OnComplete()       { atomic.AddInt32(&o.completes, 1) }
func (o *stubOp) OnExpiration()     { atomic.AddInt32(&o.expirations, 1) }

func (o *stubOp) setReady() { atomic.StoreInt32(&o.ready, 1) }

func testPurgatory(t *testing.T) *purgatory {
	t.Helper()
	return newPurgatory("test", 100, log.NewNop())
}

func key(topic string, partition int32) structs.TopicPartition {
	return structs.TopicPartition{Topic: topic, Partition: partition}
}

func TestPurgatoryCompletesInline(t *testing.T) {
	g := testPurgatory(t)
	op := &stubOp{}
	op.setReady()
	completed := g.tryCompleteElseWatch(op, time.Minute, []structs.TopicPartition{key("t", 0)})
	require.True(t, completed)
	require.Equal(t, int32(1), atomic.LoadInt32(&op.completes))
	require.Equal(t, int32(0), atomic.LoadInt32(&op.expirations))
}

func TestPurgatoryCompletesOnCheck(t *testing.T) {
	g := testPurgatory(t)
	op := &stubOp{}
	completed := g.tryCompleteElseWatch(op, time.Minute, []structs.TopicPartition{key("t", 0), key("t", 1)})
	require.False(t, completed)

	require.Equal(t, 0, g.checkAndComplete(key("t", 0)))
	op.setReady()
	require.Equal(t, 1, g.checkAndComplete(key("t", 1)))
	require.Equal(t, int32(1), atomic.LoadInt32(&op.completes))

	// Re-checking the other key must not complete it again.
	require.Equal(t, 0, g.checkAndComplete(key("t", 0)))
	require.Equal(t, int32(1), atomic.LoadInt32(&op.completes))
	require.Equal(t, int32(0), atomic.LoadInt32(&op.expirations))
}

func TestPurgatoryExpires(t *testing.T) {
	g := testPurgatory(t)
	op := &stubOp{}
	g.tryCompleteElseWatch(op, 20*time.Millisecond, []structs.TopicPartition{key("t", 0)})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&op.expirations) == 1
	}, time.Second, 5*time.Millisecond)

	// Expiry won the flag; completion can't run anymore.
	op.setReady()
	require.Equal(t, 0, g.checkAndComplete(key("t", 0)))
	require.Equal(t, int32(0), atomic.LoadInt32(&op.completes))
	require.Equal(t, int32(1), atomic.LoadInt32(&op.expirations))
}

func TestPurgatoryAtMostOnceUnderRace(t *testing.T) {
	g := testPurgatory(t)
	for i := 0; i < 50; i++ {
		op := &stubOp{}
		g.tryCompleteElseWatch(op, 5*time.Millisecond, []structs.TopicPartition{key("t", 0)})
		op.setReady()
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.checkAndComplete(key("t", 0))
			}()
		}
		wg.Wait()
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, int32(1), atomic.LoadInt32(&op.completes)+atomic.LoadInt32(&op.expirations))
	}
}

func TestPurgatoryPurgesCompleted(t *testing.T) {
	g := newPurgatory("test", 5, log.NewNop())
	for i := 0; i < 10; i++ {
		op := &stubOp{}
		g.tryCompleteElseWatch(op, time.Minute, []structs.TopicPartition{key("t", 0)})
		op.setReady()
		g.checkAndComplete(key("t", 0))
	}
	require.Less(t, g.watching(), 10)
}

func TestPurgatoryDrainExpiresOutstanding(t *testing.T) {
	g := testPurgatory(t)
	ops := make([]*stubOp, 5)
	for i := range ops {
		ops[i] = &stubOp{}
		g.tryCompleteElseWatch(ops[i], time.Minute, []structs.TopicPartition{key("t", int32(i))})
	}
	g.drain()
	for _, op := range ops {
		require.Equal(t, int32(1), atomic.LoadInt32(&op.expirations))
	}
	// New arrivals expire immediately while draining.
	op := &stubOp{}
	g.tryCompleteElseWatch(op, time.Minute, []structs.TopicPartition{key("t", 9)})
	require.Equal(t, int32(1), atomic.LoadInt32(&op.expirations))
}
