package keg

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
)

// DelayedOperation is a long-poll operation parked in a purgatory until its
// completion criteria hold or its deadline passes.
//
// TryComplete evaluates the criteria against current state; it may be
// called concurrently and must be side-effect free apart from the
// operation's own bookkeeping. OnComplete and OnExpiration deliver the
// response; the purgatory guarantees exactly one of them runs, once.
type DelayedOperation interface {
	TryComplete() bool
	OnComplete()
	OnExpiration()
}

// watchedOp pairs an operation with its at-most-once completion flag and
// expiry timer. The flag is the single point where completion and expiry
// race; CAS decides the winner.
type watchedOp struct {
	op        DelayedOperation
	completed int32
	timer     *time.Timer
}

func (w *watchedOp) isCompleted() bool {
	return atomic.LoadInt32(&w.completed) == 1
}

// tryComplete evaluates the operation and, when satisfied, completes it.
// Returns true only for the caller that actually completed it.
func (w *watchedOp) tryComplete() bool {
	if w.isCompleted() {
		return false
	}
	if !w.op.TryComplete() {
		return false
	}
	if !atomic.CompareAndSwapInt32(&w.completed, 0, 1) {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.op.OnComplete()
	return true
}

// expire wins the flag for the timeout path.
func (w *watchedOp) expire() bool {
	if !atomic.CompareAndSwapInt32(&w.completed, 0, 1) {
		return false
	}
	w.op.OnExpiration()
	return true
}

// purgatory parks delayed operations under topic-partition watch keys.
// Completion attempts are driven by checkAndComplete from the code paths
// that change the state an operation waits on; expiry rides a per-op timer.
type purgatory struct {
	name   string
	logger log.Logger

	// purgeInterval is the completed-op count that triggers sweeping dead
	// entries out of the watch lists, bounding memory between purges.
	purgeInterval int

	mu        sync.Mutex
	watchers  map[structs.TopicPartition][]*watchedOp
	completed int
	draining  bool
}

func newPurgatory(name string, purgeInterval int, logger log.Logger) *purgatory {
	return &purgatory{
		name:          name,
		logger:        logger.With(log.String("purgatory", name)),
		purgeInterval: purgeInterval,
		watchers:      make(map[structs.TopicPartition][]*watchedOp),
	}
}

// tryCompleteElseWatch attempts the operation once and, if unsatisfied,
// registers it under every key and arms its expiry timer. Returns true
// when the operation completed inline.
func (g *purgatory) tryCompleteElseWatch(op DelayedOperation, timeout time.Duration, keys []structs.TopicPartition) bool {
	w := &watchedOp{op: op}
	if w.tryComplete() {
		return true
	}

	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		w.expire()
		return false
	}
	for _, key := range keys {
		g.watchers[key] = append(g.watchers[key], w)
	}
	g.mu.Unlock()

	// State may have moved between the first attempt and registration; a
	// concurrent checkAndComplete could have missed us. Try once more now
	// that we are watched.
	if w.tryComplete() {
		return true
	}

	w.timer = time.AfterFunc(timeout, func() {
		if w.expire() {
			g.noteCompleted()
		}
	})
	if w.isCompleted() {
		w.timer.Stop()
	}
	return false
}

// checkAndComplete re-evaluates every operation watched under the key and
// returns how many completed.
func (g *purgatory) checkAndComplete(key structs.TopicPartition) int {
	g.mu.Lock()
	ops := append([]*watchedOp(nil), g.watchers[key]...)
	g.mu.Unlock()
	var n int
	for _, w := range ops {
		if w.tryComplete() {
			n++
		}
	}
	if n > 0 {
		for i := 0; i < n; i++ {
			g.noteCompleted()
		}
	}
	return n
}

func (g *purgatory) noteCompleted() {
	g.mu.Lock()
	g.completed++
	purge := g.completed >= g.purgeInterval
	if purge {
		g.completed = 0
	}
	g.mu.Unlock()
	if purge {
		g.purge()
	}
}

// purge sweeps completed operations out of every watch list.
func (g *purgatory) purge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, ops := range g.watchers {
		var live []*watchedOp
		for _, w := range ops {
			if !w.isCompleted() {
				live = append(live, w)
			}
		}
		if live == nil {
			delete(g.watchers, key)
		} else {
			g.watchers[key] = live
		}
	}
}

// watching reports the number of watcher entries, dead or alive. Tests and
// metrics only.
func (g *purgatory) watching() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int
	for _, ops := range g.watchers {
		n += len(ops)
	}
	return n
}

// drain expires every outstanding operation and refuses new ones. Used at
// shutdown.
func (g *purgatory) drain() {
	g.mu.Lock()
	g.draining = true
	var all []*watchedOp
	for _, ops := range g.watchers {
		all = append(all, ops...)
	}
	g.watchers = make(map[structs.TopicPartition][]*watchedOp)
	g.mu.Unlock()
	for _, w := range all {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.expire()
	}
}
