package keg

import (
	"time"

	"github.com/pkg/errors"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

// FetchMessages serves a fetch from a consumer, a follower broker, or the
// internal future-log mover. Follower fetches additionally move the
// leader's view of that follower, which is what advances the high
// watermark.
func (rm *ReplicaManager) FetchMessages(timeout time.Duration, replicaID int32, minBytes, maxBytes int32, hardMaxBytesLimit bool, isolationLevel int8, topics []*protocol.FetchTopic, clientMetadata *ClientMetadata, respond func(*protocol.FetchResponse)) {
	sp := rm.span("fetch messages")
	defer sp.Finish()

	fromFollower := replicaID >= 0
	future := replicaID == protocol.FutureLocalReplicaID

	var isolation FetchIsolation
	switch {
	case fromFollower || future:
		isolation = FetchLogEnd
	case isolationLevel == protocol.ReadCommitted:
		isolation = FetchTxnCommitted
	default:
		isolation = FetchHighWatermark
	}
	fetchOnlyFromLeader := !future && replicaID != protocol.DebugReplicaID

	var parts []*fetchPartitionRequest
	for _, topic := range topics {
		for _, fp := range topic.Partitions {
			parts = append(parts, &fetchPartitionRequest{
				tp:    structs.TopicPartition{Topic: topic.Topic, Partition: fp.Partition},
				fetch: fp,
			})
		}
	}

	results := rm.readFromLocalLog(replicaID, fetchOnlyFromLeader, isolation, maxBytes, hardMaxBytesLimit, parts, clientMetadata)

	var bytesReadable int64
	var errored bool
	var hwRefreshNeeded bool
	now := rm.clock.Now()
	for i, r := range results {
		if r.err.Code() != protocol.ErrNone.Code() {
			errored = true
			rm.metrics.FailedFetchRequests.Add(1)
			continue
		}
		bytesReadable += int64(len(r.info.Records))
		if !fromFollower {
			continue
		}
		p, herr := rm.onlinePartition(r.tp)
		if herr.Code() != protocol.ErrNone.Code() {
			continue
		}
		fetchOffset := parts[i].fetch.FetchOffset
		recognised, hwAdvanced := p.UpdateFollowerFetchState(replicaID, fetchOffset, parts[i].fetch.LogStartOffset, now, p.Log().LogEndOffset())
		if !recognised {
			r.err = protocol.ErrUnknownTopicOrPartition
			r.info = FetchDataInfo{PreferredReadReplica: -1}
			errored = true
			continue
		}
		if hwAdvanced {
			rm.completeDelayedRequests(r.tp)
		} else {
			// The follower's reported log start may have moved the low
			// watermark parked deletes wait on.
			rm.deleteRecordsPurgatory.checkAndComplete(r.tp)
		}
		if p.FollowerNeedsHwUpdate(replicaID) {
			hwRefreshNeeded = true
		}
		p.RecordFollowerSentHw(replicaID, r.info.HighWatermark)
	}

	if timeout <= 0 || len(parts) == 0 || bytesReadable >= int64(minBytes) || errored || hwRefreshNeeded {
		respond(assembleFetchResponse(topics, results))
		return
	}

	op := &delayedFetch{
		rm:                  rm,
		replicaID:           replicaID,
		fetchMin:            minBytes,
		fetchMax:            maxBytes,
		hardMaxBytesLimit:   hardMaxBytesLimit,
		isolation:           isolation,
		fetchOnlyFromLeader: fetchOnlyFromLeader,
		partitions:          parts,
		clientMetadata:      clientMetadata,
		respond: func(results []*fetchPartitionResult) {
			if fromFollower {
				for _, r := range results {
					if p, ok := rm.hosted.Online(r.tp); ok {
						p.RecordFollowerSentHw(replicaID, r.info.HighWatermark)
					}
				}
			}
			respond(assembleFetchResponse(topics, results))
		},
	}
	keys := make([]structs.TopicPartition, 0, len(parts))
	for _, part := range parts {
		keys = append(keys, part.tp)
	}
	rm.fetchPurgatory.tryCompleteElseWatch(op, timeout, keys)
}

// readFromLocalLog reads every requested partition, spending the shared
// byte budget in request order. The first non-empty partition may exceed
// the budget with a single message unless the limit is hard.
func (rm *ReplicaManager) readFromLocalLog(replicaID int32, fetchOnlyFromLeader bool, isolation FetchIsolation, fetchMaxBytes int32, hardMaxBytesLimit bool, parts []*fetchPartitionRequest, clientMetadata *ClientMetadata) []*fetchPartitionResult {
	future := replicaID == protocol.FutureLocalReplicaID
	consumer := replicaID == protocol.ConsumerReplicaID
	remaining := fetchMaxBytes
	minOneMessage := !hardMaxBytesLimit
	results := make([]*fetchPartitionResult, 0, len(parts))
	for _, part := range parts {
		result := &fetchPartitionResult{tp: part.tp, info: FetchDataInfo{PreferredReadReplica: -1}, err: protocol.ErrNone}
		results = append(results, result)

		p, herr := rm.onlinePartition(part.tp)
		if herr.Code() != protocol.ErrNone.Code() {
			result.err = herr
			continue
		}
		if consumer && clientMetadata != nil {
			if preferred, ok := rm.findPreferredReadReplica(p, clientMetadata, part.fetch.FetchOffset); ok {
				result.info = FetchDataInfo{
					HighWatermark:        p.HighWatermark(),
					LogStartOffset:       p.Log().LogStartOffset(),
					LastStableOffset:     p.Log().LastStableOffset(),
					PreferredReadReplica: preferred,
				}
				continue
			}
		}
		maxB := part.fetch.MaxBytes
		if maxB > remaining {
			maxB = remaining
		}
		var info FetchDataInfo
		var perr protocol.Error
		if future {
			info, perr = rm.readFuture(p, part.fetch, maxB, minOneMessage)
		} else {
			info, perr = p.ReadRecords(part.fetch.FetchOffset, part.fetch.CurrentLeaderEpoch, maxB, isolation, fetchOnlyFromLeader, minOneMessage)
		}
		if perr.Code() != protocol.ErrNone.Code() {
			result.err = perr
			continue
		}
		result.info = info
		if n := int32(len(info.Records)); n > 0 {
			minOneMessage = false
			if n >= remaining {
				remaining = 0
			} else {
				remaining -= n
			}
		}
	}
	return results
}

// readFuture reads from the current log on behalf of the future log's
// mover.
func (rm *ReplicaManager) readFuture(p *Partition, fp *protocol.FetchPartition, maxBytes int32, minOneMessage bool) (FetchDataInfo, protocol.Error) {
	l := p.Log()
	data, err := l.Read(fp.FetchOffset, maxBytes, l.LogEndOffset(), minOneMessage)
	if err != nil {
		return FetchDataInfo{}, protocol.ErrOffsetOutOfRange
	}
	return FetchDataInfo{
		Records:              data.Records,
		FirstEntryIncomplete: data.FirstEntryIncomplete,
		HighWatermark:        l.HighWatermark(),
		LogStartOffset:       l.LogStartOffset(),
		LastStableOffset:     l.LastStableOffset(),
		PreferredReadReplica: -1,
	}, protocol.ErrNone
}

// findPreferredReadReplica runs the configured selector over the in-sync
// replicas whose log span covers the fetch offset. Only meaningful on the
// leader; a hint equal to this broker means "stay here" and is dropped.
func (rm *ReplicaManager) findPreferredReadReplica(p *Partition, clientMetadata *ClientMetadata, fetchOffset int64) (int32, bool) {
	if _, ok := rm.selector.(LeaderSelector); ok {
		return -1, false
	}
	if !p.IsLeader() {
		return -1, false
	}
	endpoints := rm.metadata.PartitionReplicaEndpoints(p.TopicPartition)
	view := &PartitionView{}
	for _, id := range p.ISR() {
		b := endpoints[id]
		if b == nil {
			continue
		}
		rv := &ReplicaView{
			BrokerID: id,
			Host:     b.Host,
			Port:     b.Port,
			Rack:     b.Rack,
			IsLeader: id == rm.config.ID,
		}
		if id == rm.config.ID {
			rv.LogStartOffset = p.Log().LogStartOffset()
			rv.LogEndOffset = p.Log().LogEndOffset()
			rv.LastCaughtUpTime = rm.clock.Now()
		} else {
			st, ok := p.FollowerState(id)
			if !ok {
				continue
			}
			rv.LogStartOffset = st.LogStartOffset
			rv.LogEndOffset = st.LogEndOffset
			rv.LastCaughtUpTime = st.LastCaughtUpTime
		}
		if rv.LogStartOffset > fetchOffset || rv.LogEndOffset < fetchOffset {
			continue
		}
		view.Replicas = append(view.Replicas, rv)
	}
	selected := rm.selector.Select(p.TopicPartition, clientMetadata, view)
	if selected == nil || selected.BrokerID == rm.config.ID {
		return -1, false
	}
	return selected.BrokerID, true
}

func assembleFetchResponse(topics []*protocol.FetchTopic, results []*fetchPartitionResult) *protocol.FetchResponse {
	byTP := make(map[structs.TopicPartition]*fetchPartitionResult, len(results))
	for _, r := range results {
		byTP[r.tp] = r
	}
	res := &protocol.FetchResponse{}
	for _, topic := range topics {
		tres := &protocol.FetchTopicResponse{Topic: topic.Topic}
		for _, fp := range topic.Partitions {
			tp := structs.TopicPartition{Topic: topic.Topic, Partition: fp.Partition}
			pres := &protocol.FetchPartitionResponse{
				Partition:            fp.Partition,
				PreferredReadReplica: -1,
			}
			if r := byTP[tp]; r != nil {
				pres.ErrorCode = r.err.Code()
				pres.HighWatermark = r.info.HighWatermark
				pres.LastStableOffset = r.info.LastStableOffset
				pres.LogStartOffset = r.info.LogStartOffset
				pres.AbortedTransactions = r.info.AbortedTransactions
				pres.PreferredReadReplica = r.info.PreferredReadReplica
				pres.RecordSet = r.info.Records
			}
			tres.PartitionResponses = append(tres.PartitionResponses, pres)
		}
		res.Responses = append(res.Responses, tres)
	}
	return res
}

// applyFollowerFetch appends records fetched from the leader to the local
// (or future) log and mirrors the leader's high watermark and log start.
// Returns the new fetch offset.
func (rm *ReplicaManager) applyFollowerFetch(tp structs.TopicPartition, leaderEpoch int32, pr *protocol.FetchPartitionResponse, future bool) (int64, error) {
	p, herr := rm.onlinePartition(tp)
	if herr.Code() != protocol.ErrNone.Code() {
		return 0, errors.Errorf("partition not online: %s", tp)
	}
	l := p.Log()
	if future {
		l = p.FutureLog()
	}
	if l == nil {
		return 0, errors.Errorf("no log for %s", tp)
	}
	if len(pr.RecordSet) > 0 {
		info, err := l.AppendAsFollower(pr.RecordSet)
		if err != nil {
			return 0, err
		}
		if info.NumMessages > 0 {
			if err := l.MaybeAssignEpochStart(leaderEpoch, info.FirstOffset); err != nil {
				rm.logger.Error("recording epoch start failed", log.String("partition", tp.String()), log.Error("error", err))
			}
		}
	}
	leo := l.LogEndOffset()
	hw := pr.HighWatermark
	if hw > leo {
		hw = leo
	}
	if hw > l.HighWatermark() {
		l.SetHighWatermark(hw)
	}
	if pr.LogStartOffset > l.LogStartOffset() {
		if err := l.DeleteRecordsBefore(min64(pr.LogStartOffset, leo)); err != nil {
			rm.logger.Error("advancing follower log start failed", log.String("partition", tp.String()), log.Error("error", err))
		}
	}
	if future && p.FutureCaughtUp() {
		rm.maybePromoteFutureLog(tp)
	}
	return leo, nil
}

// reconcileFollowerOffset resolves an out-of-range fetch: truncate to the
// leader's end offset for our newest epoch, or restart past a prefix the
// leader already deleted.
func (rm *ReplicaManager) reconcileFollowerOffset(tp structs.TopicPartition, res *protocol.EpochEndOffset, leaderLogStart int64, future bool) (int64, error) {
	p, herr := rm.onlinePartition(tp)
	if herr.Code() != protocol.ErrNone.Code() {
		return 0, errors.Errorf("partition not online: %s", tp)
	}
	l := p.Log()
	if future {
		l = p.FutureLog()
	}
	if l == nil {
		return 0, errors.Errorf("no log for %s", tp)
	}
	if res != nil && res.ErrorCode == protocol.ErrNone.Code() && res.EndOffset >= 0 && res.EndOffset < l.LogEndOffset() {
		rm.logger.Info("truncating to leader epoch end offset",
			log.String("partition", tp.String()),
			log.Int64("end offset", res.EndOffset))
		if err := l.Truncate(res.EndOffset); err != nil {
			return 0, err
		}
	}
	if leaderLogStart > l.LogEndOffset() {
		rm.logger.Info("leader deleted past our log end, restarting",
			log.String("partition", tp.String()),
			log.Int64("leader log start", leaderLogStart))
		if err := l.TruncateFullyAndStartAt(leaderLogStart); err != nil {
			return 0, err
		}
	}
	return l.LogEndOffset(), nil
}

// followerLogStartOffset is the local (or future) log start this broker
// reports when fetching as a follower.
func (rm *ReplicaManager) followerLogStartOffset(tp structs.TopicPartition, future bool) int64 {
	p, ok := rm.hosted.Online(tp)
	if !ok {
		return 0
	}
	l := p.Log()
	if future {
		l = p.FutureLog()
	}
	if l == nil {
		return 0
	}
	return l.LogStartOffset()
}

// followerLatestEpoch is the newest leader epoch in the local (or future)
// log's lineage.
func (rm *ReplicaManager) followerLatestEpoch(tp structs.TopicPartition, future bool) int32 {
	p, ok := rm.hosted.Online(tp)
	if !ok {
		return -1
	}
	l := p.Log()
	if future {
		l = p.FutureLog()
	}
	if l == nil {
		return -1
	}
	return l.LatestEpoch()
}

// localClientFactory backs the alter-log-dir fetcher manager: its "remote"
// is this broker's own current logs.
func (rm *ReplicaManager) localClientFactory(*structs.Broker) (FetchClient, error) {
	return &localFetchClient{rm: rm}, nil
}

type localFetchClient struct {
	rm *ReplicaManager
}

func (c *localFetchClient) Fetch(clientID string, req *protocol.FetchRequest) (*protocol.FetchResponse, error) {
	var parts []*fetchPartitionRequest
	for _, topic := range req.Topics {
		for _, fp := range topic.Partitions {
			parts = append(parts, &fetchPartitionRequest{
				tp:    structs.TopicPartition{Topic: topic.Topic, Partition: fp.Partition},
				fetch: fp,
			})
		}
	}
	results := c.rm.readFromLocalLog(protocol.FutureLocalReplicaID, false, FetchLogEnd, req.MaxBytes, false, parts, nil)
	return assembleFetchResponse(req.Topics, results), nil
}

func (c *localFetchClient) EndOffsetForEpoch(clientID string, topic string, partition int32, leaderEpoch int32) (*protocol.EpochEndOffset, error) {
	tp := structs.TopicPartition{Topic: topic, Partition: partition}
	p, ok := c.rm.hosted.Online(tp)
	if !ok {
		return &protocol.EpochEndOffset{Partition: partition, ErrorCode: protocol.ErrUnknownTopicOrPartition.Code()}, nil
	}
	epoch, offset := p.Log().EndOffsetForEpoch(leaderEpoch)
	return &protocol.EpochEndOffset{Partition: partition, LeaderEpoch: epoch, EndOffset: offset}, nil
}

func (c *localFetchClient) Close() error { return nil }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
