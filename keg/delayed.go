package keg

import (
	"sync"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/protocol"
)

// producePartitionStatus tracks one partition of an acks=all produce while
// it waits for the ISR to catch up to requiredOffset.
type producePartitionStatus struct {
	requiredOffset int64
	acksPending    bool
	response       *protocol.ProducePartitionResponse
}

// delayedProduce completes when every partition that appended successfully
// has its high watermark past the append's last offset.
type delayedProduce struct {
	rm *ReplicaManager

	mu       sync.Mutex
	statuses map[structs.TopicPartition]*producePartitionStatus
	respond  func()
}

func (d *delayedProduce) TryComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evaluate()
}

// evaluate settles every partition it can and reports whether none remain
// pending. Callers hold d.mu.
func (d *delayedProduce) evaluate() bool {
	done := true
	for tp, st := range d.statuses {
		if !st.acksPending {
			continue
		}
		p, herr := d.rm.onlinePartition(tp)
		if herr.Code() != protocol.ErrNone.Code() {
			st.acksPending = false
			st.response.ErrorCode = herr.Code()
			continue
		}
		perr, settled := p.CheckEnoughReplicasReachOffset(st.requiredOffset)
		if settled {
			st.acksPending = false
			st.response.ErrorCode = perr.Code()
			continue
		}
		done = false
	}
	return done
}

func (d *delayedProduce) OnComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.respond()
}

// OnExpiration settles what it can against current state; anything still
// pending times out.
func (d *delayedProduce) OnExpiration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evaluate()
	for _, st := range d.statuses {
		if st.acksPending {
			st.acksPending = false
			st.response.ErrorCode = protocol.ErrRequestTimedOut.Code()
		}
	}
	if d.rm.metrics != nil {
		d.rm.metrics.DelayedProduceExpirations.Add(1)
	}
	d.respond()
}

// fetchPartitionRequest is one partition of a fetch, carried through the
// purgatory with its original request parameters.
type fetchPartitionRequest struct {
	tp    structs.TopicPartition
	fetch *protocol.FetchPartition
}

// fetchPartitionResult is one partition's outcome.
type fetchPartitionResult struct {
	tp   structs.TopicPartition
	info FetchDataInfo
	err  protocol.Error
}

// delayedFetch completes when enough bytes became readable, any partition
// errored, or a follower needs its view of the high watermark refreshed.
type delayedFetch struct {
	rm *ReplicaManager

	replicaID           int32
	fetchMin            int32
	fetchMax            int32
	hardMaxBytesLimit   bool
	isolation           FetchIsolation
	fetchOnlyFromLeader bool
	partitions          []*fetchPartitionRequest
	clientMetadata      *ClientMetadata

	respond func(results []*fetchPartitionResult)
}

func (d *delayedFetch) TryComplete() bool {
	var accumulated int64
	fromFollower := d.replicaID >= 0
	for _, part := range d.partitions {
		p, herr := d.rm.onlinePartition(part.tp)
		if herr.Code() != protocol.ErrNone.Code() {
			return true
		}
		if perr := p.EpochError(part.fetch.CurrentLeaderEpoch); perr.Code() != protocol.ErrNone.Code() {
			return true
		}
		if d.fetchOnlyFromLeader && !p.IsLeader() {
			return true
		}
		bound := p.EndOffsetFor(d.isolation)
		if bound < part.fetch.FetchOffset {
			// The log was truncated from under the fetch.
			return true
		}
		if l := p.Log(); l != nil {
			accumulated += l.BytesBetween(part.fetch.FetchOffset, bound)
		}
		if fromFollower && p.FollowerNeedsHwUpdate(d.replicaID) {
			return true
		}
	}
	return accumulated >= int64(d.fetchMin)
}

func (d *delayedFetch) OnComplete() {
	d.respond(d.rm.readFromLocalLog(d.replicaID, d.fetchOnlyFromLeader, d.isolation, d.fetchMax, d.hardMaxBytesLimit, d.partitions, d.clientMetadata))
}

func (d *delayedFetch) OnExpiration() {
	if d.rm.metrics != nil {
		d.rm.metrics.DelayedFetchExpirations.Add(1)
	}
	d.OnComplete()
}

// deleteRecordsPartitionStatus tracks one partition of a delete-records
// request until the low watermark reaches the requested offset.
type deleteRecordsPartitionStatus struct {
	requiredOffset int64
	acksPending    bool
	response       *protocol.DeleteRecordsPartitionResponse
}

type delayedDeleteRecords struct {
	rm *ReplicaManager

	mu       sync.Mutex
	statuses map[structs.TopicPartition]*deleteRecordsPartitionStatus
	respond  func()
}

func (d *delayedDeleteRecords) TryComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evaluate()
}

func (d *delayedDeleteRecords) evaluate() bool {
	done := true
	for tp, st := range d.statuses {
		if !st.acksPending {
			continue
		}
		p, herr := d.rm.onlinePartition(tp)
		if herr.Code() != protocol.ErrNone.Code() {
			st.acksPending = false
			st.response.ErrorCode = herr.Code()
			continue
		}
		if !p.IsLeader() {
			st.acksPending = false
			st.response.ErrorCode = protocol.ErrNotLeaderForPartition.Code()
			continue
		}
		if lw := p.LowWatermark(); lw >= st.requiredOffset {
			st.acksPending = false
			st.response.LowWatermark = lw
			st.response.ErrorCode = protocol.ErrNone.Code()
			continue
		}
		done = false
	}
	return done
}

func (d *delayedDeleteRecords) OnComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.respond()
}

func (d *delayedDeleteRecords) OnExpiration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evaluate()
	for _, st := range d.statuses {
		if st.acksPending {
			st.acksPending = false
			st.response.ErrorCode = protocol.ErrRequestTimedOut.Code()
		}
	}
	d.respond()
}

// delayedElectLeader completes once cluster metadata shows a live leader
// for every partition in the request.
type delayedElectLeader struct {
	rm *ReplicaManager

	mu      sync.Mutex
	results map[structs.TopicPartition]*protocol.PartitionElectionResult
	pending map[structs.TopicPartition]bool
	respond func()
}

func (d *delayedElectLeader) TryComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tp := range d.pending {
		part := d.rm.metadata.Partition(tp)
		if part == nil {
			continue
		}
		if d.rm.metadata.AliveBroker(part.Leader) == nil {
			continue
		}
		d.results[tp].ErrorCode = protocol.ErrNone.Code()
		delete(d.pending, tp)
	}
	return len(d.pending) == 0
}

func (d *delayedElectLeader) OnComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.respond()
}

func (d *delayedElectLeader) OnExpiration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tp := range d.pending {
		d.results[tp].ErrorCode = protocol.ErrRequestTimedOut.Code()
		delete(d.pending, tp)
	}
	d.respond()
}
