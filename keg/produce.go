package keg

import (
	"time"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

// AppendRecords appends producer record sets to the leader partitions and
// answers through respond, either inline or from the produce purgatory
// once the ISR has caught up (acks=all).
func (rm *ReplicaManager) AppendRecords(timeout time.Duration, requiredAcks int16, internalTopicsAllowed bool, topicData []*protocol.ProduceTopicData, respond func(*protocol.ProduceResponse)) {
	sp := rm.span("append records")
	defer sp.Finish()

	if requiredAcks != protocol.AcksNone && requiredAcks != protocol.AcksLeader && requiredAcks != protocol.AcksAll {
		res := &protocol.ProduceResponse{}
		for _, td := range topicData {
			tres := &protocol.ProduceTopicResponse{Topic: td.Topic}
			for _, pd := range td.Data {
				tres.PartitionResponses = append(tres.PartitionResponses, &protocol.ProducePartitionResponse{
					Partition: pd.Partition,
					ErrorCode: protocol.ErrInvalidRequiredAcks.Code(),
				})
			}
			res.Responses = append(res.Responses, tres)
		}
		respond(res)
		return
	}

	res := &protocol.ProduceResponse{}
	statuses := make(map[structs.TopicPartition]*producePartitionStatus)
	var appended []structs.TopicPartition

	for _, td := range topicData {
		tres := &protocol.ProduceTopicResponse{Topic: td.Topic}
		for _, pd := range td.Data {
			tp := structs.TopicPartition{Topic: td.Topic, Partition: pd.Partition}
			presp := &protocol.ProducePartitionResponse{Partition: pd.Partition}
			tres.PartitionResponses = append(tres.PartitionResponses, presp)

			if isInternalTopic(td.Topic) && !internalTopicsAllowed {
				presp.ErrorCode = protocol.ErrInvalidTopic.Code()
				rm.metrics.FailedProduceRequests.Add(1)
				continue
			}
			p, herr := rm.onlinePartition(tp)
			if herr.Code() != protocol.ErrNone.Code() {
				presp.ErrorCode = herr.Code()
				rm.metrics.FailedProduceRequests.Add(1)
				continue
			}
			info, perr := p.AppendRecordsToLeader(pd.RecordSet, requiredAcks)
			if perr.Code() != protocol.ErrNone.Code() {
				rm.logger.Debug("produce failed",
					log.String("partition", tp.String()),
					log.Int16("error code", perr.Code()))
				presp.ErrorCode = perr.Code()
				rm.metrics.FailedProduceRequests.Add(1)
				continue
			}
			presp.ErrorCode = protocol.ErrNone.Code()
			presp.BaseOffset = info.FirstOffset
			presp.LogAppendTime = info.AppendTime
			presp.LogStartOffset = p.Log().LogStartOffset()
			appended = append(appended, tp)
			statuses[tp] = &producePartitionStatus{
				requiredOffset: info.LastOffset + 1,
				acksPending:    true,
				response:       presp,
			}
		}
		res.Responses = append(res.Responses, tres)
	}

	// New data may satisfy parked fetches that read up to the log end. The
	// append does not move the high watermark, so parked produces wait for
	// a fetch or an ISR shrink.
	for _, tp := range appended {
		rm.completeDelayedRequests(tp)
	}

	if requiredAcks == protocol.AcksAll && len(appended) > 0 {
		op := &delayedProduce{
			rm:       rm,
			statuses: statuses,
			respond:  func() { respond(res) },
		}
		keys := make([]structs.TopicPartition, 0, len(statuses))
		for tp := range statuses {
			keys = append(keys, tp)
		}
		rm.producePurgatory.tryCompleteElseWatch(op, timeout, keys)
		return
	}
	respond(res)
}
