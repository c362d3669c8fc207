package keg

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

// DeleteRecords advances log start offsets on the leaders and answers once
// the low watermark, the minimum log start across replicas, reaches each
// requested offset.
func (rm *ReplicaManager) DeleteRecords(timeout time.Duration, topics []*protocol.DeleteRecordsTopic, respond func(*protocol.DeleteRecordsResponse)) {
	sp := rm.span("delete records")
	defer sp.Finish()

	res := &protocol.DeleteRecordsResponse{}
	statuses := make(map[structs.TopicPartition]*deleteRecordsPartitionStatus)

	for _, topic := range topics {
		tres := &protocol.DeleteRecordsTopicResponse{Topic: topic.Topic}
		for _, part := range topic.Partitions {
			tp := structs.TopicPartition{Topic: topic.Topic, Partition: part.Partition}
			presp := &protocol.DeleteRecordsPartitionResponse{Partition: part.Partition}
			tres.Partitions = append(tres.Partitions, presp)

			p, herr := rm.onlinePartition(tp)
			if herr.Code() != protocol.ErrNone.Code() {
				presp.ErrorCode = herr.Code()
				continue
			}
			lw, perr := p.DeleteRecordsOnLeader(part.Offset)
			if perr.Code() != protocol.ErrNone.Code() {
				presp.ErrorCode = perr.Code()
				continue
			}
			presp.LowWatermark = lw
			if lw >= part.Offset {
				presp.ErrorCode = protocol.ErrNone.Code()
				continue
			}
			statuses[tp] = &deleteRecordsPartitionStatus{
				requiredOffset: part.Offset,
				acksPending:    true,
				response:       presp,
			}
		}
		res.Topics = append(res.Topics, tres)
	}

	if len(statuses) == 0 {
		respond(res)
		return
	}
	op := &delayedDeleteRecords{
		rm:       rm,
		statuses: statuses,
		respond:  func() { respond(res) },
	}
	keys := make([]structs.TopicPartition, 0, len(statuses))
	for tp := range statuses {
		keys = append(keys, tp)
	}
	rm.deleteRecordsPurgatory.tryCompleteElseWatch(op, timeout, keys)
}

// UpdateMetadata refreshes the metadata cache from a controller push,
// fenced by controller epoch like any other directive.
func (rm *ReplicaManager) UpdateMetadata(correlationID int32, req *protocol.UpdateMetadataRequest) *protocol.UpdateMetadataResponse {
	sp := rm.span("update metadata")
	defer sp.Finish()
	rm.stateChangeLock.Lock()
	defer rm.stateChangeLock.Unlock()

	cur := rm.ControllerEpoch()
	if req.ControllerEpoch < cur {
		return &protocol.UpdateMetadataResponse{ErrorCode: protocol.ErrStaleControllerEpoch.Code()}
	}
	atomic.StoreInt32(&rm.controllerEpoch, req.ControllerEpoch)

	deleted, err := rm.metadata.UpdateMetadata(correlationID, req)
	if err != nil {
		rm.logger.Error("updating metadata failed", log.Error("error", err))
		return &protocol.UpdateMetadataResponse{ErrorCode: protocol.ErrUnknown.Code()}
	}
	for _, tp := range deleted {
		rm.logger.Debug("partition deleted from metadata", log.String("partition", tp.String()))
	}
	// A leadership change in the new metadata may satisfy parked elections.
	for _, ps := range req.PartitionStates {
		rm.electLeaderPurgatory.checkAndComplete(structs.TopicPartition{Topic: ps.Topic, Partition: ps.Partition})
	}
	return &protocol.UpdateMetadataResponse{ErrorCode: protocol.ErrNone.Code()}
}

// ElectLeaders parks until cluster metadata shows a live leader for each
// partition; the election itself belongs to the controller.
func (rm *ReplicaManager) ElectLeaders(timeout time.Duration, req *protocol.ElectLeadersRequest, respond func(*protocol.ElectLeadersResponse)) {
	sp := rm.span("elect leaders")
	defer sp.Finish()

	res := &protocol.ElectLeadersResponse{}
	results := make(map[structs.TopicPartition]*protocol.PartitionElectionResult)
	pending := make(map[structs.TopicPartition]bool)
	for _, topic := range req.Topics {
		for _, partition := range topic.Partitions {
			tp := structs.TopicPartition{Topic: topic.Topic, Partition: partition}
			r := &protocol.PartitionElectionResult{Topic: topic.Topic, Partition: partition}
			res.Results = append(res.Results, r)
			results[tp] = r
			pending[tp] = true
		}
	}

	op := &delayedElectLeader{
		rm:      rm,
		results: results,
		pending: pending,
		respond: func() { respond(res) },
	}
	keys := make([]structs.TopicPartition, 0, len(results))
	for tp := range results {
		keys = append(keys, tp)
	}
	rm.electLeaderPurgatory.tryCompleteElseWatch(op, timeout, keys)
}

// AlterReplicaLogDirs starts moving partitions onto other data dirs via
// the alter-log-dir fetcher; promotion happens when the copy catches up.
func (rm *ReplicaManager) AlterReplicaLogDirs(dirByPartition map[structs.TopicPartition]string) map[structs.TopicPartition]protocol.Error {
	sp := rm.span("alter replica log dirs")
	defer sp.Finish()
	rm.stateChangeLock.Lock()
	defer rm.stateChangeLock.Unlock()

	out := make(map[structs.TopicPartition]protocol.Error, len(dirByPartition))
	for tp, dest := range dirByPartition {
		if !rm.isConfiguredDir(dest) {
			out[tp] = protocol.ErrLogDirNotFound
			continue
		}
		p, herr := rm.onlinePartition(tp)
		if herr.Code() != protocol.ErrNone.Code() {
			out[tp] = herr
			continue
		}
		if p.DataDir() == dest {
			out[tp] = protocol.ErrNone
			continue
		}
		if p.FutureLog() != nil {
			// A move is already in flight; the newest destination wins by
			// replacing it.
			rm.alterDirManager.RemoveFetcherForPartitions([]structs.TopicPartition{tp})
		}
		l, err := rm.logFactory(filepath.Join(dest, tp.String()))
		if err != nil {
			rm.logger.Error("creating future log failed", log.String("partition", tp.String()), log.Error("error", err))
			out[tp] = protocol.ErrKafkaStorageError
			continue
		}
		p.SetFutureLog(l, dest)
		if err := rm.alterDirManager.AddFetcherForPartitions(map[structs.TopicPartition]InitialFetchState{
			tp: {
				Leader:      rm.config.ID,
				LeaderEpoch: p.LeaderEpoch(),
				FetchOffset: l.LogEndOffset(),
			},
		}); err != nil {
			out[tp] = protocol.ErrKafkaStorageError
			continue
		}
		out[tp] = protocol.ErrNone
	}
	return out
}

func (rm *ReplicaManager) isConfiguredDir(dir string) bool {
	for _, d := range rm.config.DataDirs {
		if d == dir {
			return true
		}
	}
	return false
}

// maybePromoteFutureLog swaps a caught-up future log in under the
// state-change lock and deletes the old one.
func (rm *ReplicaManager) maybePromoteFutureLog(tp structs.TopicPartition) {
	rm.stateChangeLock.Lock()
	defer rm.stateChangeLock.Unlock()
	p, ok := rm.hosted.Online(tp)
	if !ok || !p.FutureCaughtUp() {
		return
	}
	rm.alterDirManager.RemoveFetcherForPartitions([]structs.TopicPartition{tp})
	old, err := p.PromoteFutureLog()
	if err != nil {
		rm.logger.Error("promoting future log failed", log.String("partition", tp.String()), log.Error("error", err))
		return
	}
	rm.logger.Info("promoted future log", log.String("partition", tp.String()), log.String("dir", p.DataDir()))
	go func() {
		if err := old.Delete(); err != nil {
			rm.logger.Error("deleting replaced log failed", log.String("partition", tp.String()), log.Error("error", err))
		}
	}()
}

// DescribeLogDirs reports every data dir with the partitions rooted there,
// their sizes and, for in-flight moves, the copy lag.
func (rm *ReplicaManager) DescribeLogDirs() *protocol.DescribeLogDirsResponse {
	sp := rm.span("describe log dirs")
	defer sp.Finish()

	res := &protocol.DescribeLogDirsResponse{}
	rm.offlineMu.Lock()
	offline := make(map[string]bool, len(rm.offlineDirs))
	for dir := range rm.offlineDirs {
		offline[dir] = true
	}
	rm.offlineMu.Unlock()

	for _, dir := range rm.config.DataDirs {
		result := &protocol.DescribeLogDirsResult{Path: dir}
		if offline[dir] {
			result.ErrorCode = protocol.ErrKafkaStorageError.Code()
			res.Results = append(res.Results, result)
			continue
		}
		topics := make(map[string]*protocol.DescribeLogDirsTopic)
		add := func(topic string, entry *protocol.DescribeLogDirsPartition) {
			t, ok := topics[topic]
			if !ok {
				t = &protocol.DescribeLogDirsTopic{Topic: topic}
				topics[topic] = t
				result.Topics = append(result.Topics, t)
			}
			t.Partitions = append(t.Partitions, entry)
		}
		for _, p := range rm.hosted.OnlinePartitions() {
			if p.DataDir() == dir {
				add(p.TopicPartition.Topic, &protocol.DescribeLogDirsPartition{
					Partition: p.TopicPartition.Partition,
					Size:      p.Log().Size(),
				})
			}
			if fl := p.FutureLog(); fl != nil && p.FutureDataDir() == dir {
				add(p.TopicPartition.Topic, &protocol.DescribeLogDirsPartition{
					Partition: p.TopicPartition.Partition,
					Size:      fl.Size(),
					OffsetLag: p.Log().LogEndOffset() - fl.LogEndOffset(),
					IsFuture:  true,
				})
			}
		}
		res.Results = append(res.Results, result)
	}
	return res
}

// FetchOffsetForTimestamp resolves a timestamp, or the earliest/latest
// sentinels, to an offset, bounded by what the caller may see.
func (rm *ReplicaManager) FetchOffsetForTimestamp(tp structs.TopicPartition, timestamp int64, isolationLevel int8, currentLeaderEpoch int32, fetchOnlyFromLeader bool) (int64, protocol.Error) {
	p, herr := rm.onlinePartition(tp)
	if herr.Code() != protocol.ErrNone.Code() {
		return -1, herr
	}
	if perr := p.EpochError(currentLeaderEpoch); perr.Code() != protocol.ErrNone.Code() {
		return -1, perr
	}
	if fetchOnlyFromLeader && !p.IsLeader() {
		return -1, protocol.ErrNotLeaderForPartition
	}
	l := p.Log()
	bound := l.HighWatermark()
	if isolationLevel == protocol.ReadCommitted {
		bound = l.LastStableOffset()
	}
	switch timestamp {
	case protocol.LatestTimestamp:
		return bound, protocol.ErrNone
	case protocol.EarliestTimestamp:
		return l.LogStartOffset(), protocol.ErrNone
	}
	offset, err := l.OffsetForTimestamp(timestamp)
	if err != nil {
		return -1, protocol.ErrUnknown.WithErr(err)
	}
	if offset > bound {
		return -1, protocol.ErrNone
	}
	return offset, protocol.ErrNone
}

// LastOffsetForLeaderEpoch serves follower epoch reconciliation from the
// leader's epoch lineage.
func (rm *ReplicaManager) LastOffsetForLeaderEpoch(tp structs.TopicPartition, currentLeaderEpoch int32, leaderEpoch int32) *protocol.EpochEndOffset {
	out := &protocol.EpochEndOffset{Partition: tp.Partition, LeaderEpoch: -1, EndOffset: -1}
	p, herr := rm.onlinePartition(tp)
	if herr.Code() != protocol.ErrNone.Code() {
		out.ErrorCode = herr.Code()
		return out
	}
	if perr := p.EpochError(currentLeaderEpoch); perr.Code() != protocol.ErrNone.Code() {
		out.ErrorCode = perr.Code()
		return out
	}
	if !p.IsLeader() {
		out.ErrorCode = protocol.ErrNotLeaderForPartition.Code()
		return out
	}
	epoch, offset := p.Log().EndOffsetForEpoch(leaderEpoch)
	out.LeaderEpoch = epoch
	out.EndOffset = offset
	return out
}
