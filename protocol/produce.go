package protocol

import "time"

// Required acks settings on produce requests.
const (
	AcksNone   int16 = 0
	AcksLeader int16 = 1
	AcksAll    int16 = -1
)

type ProducePartitionData struct {
	Partition int32
	RecordSet []byte
}

type ProduceTopicData struct {
	Topic string
	Data  []*ProducePartitionData
}

type ProduceRequest struct {
	TransactionalID string
	Acks            int16
	Timeout         int32
	TopicData       []*ProduceTopicData
}

type ProducePartitionResponse struct {
	Partition      int32
	ErrorCode      int16
	BaseOffset     int64
	LogAppendTime  time.Time
	LogStartOffset int64
}

type ProduceTopicResponse struct {
	Topic              string
	PartitionResponses []*ProducePartitionResponse
}

type ProduceResponse struct {
	Responses    []*ProduceTopicResponse
	ThrottleTime int32
}
