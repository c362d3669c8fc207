package protocol

// Replica id sentinels carried in fetch requests.
const (
	// ConsumerReplicaID marks a fetch coming from a consumer rather than a
	// follower broker.
	ConsumerReplicaID int32 = -1
	// DebugReplicaID lets tooling read from a follower as well as from the
	// leader; reads stay bounded by the high watermark.
	DebugReplicaID int32 = -2
	// FutureLocalReplicaID marks the internal fetch that copies a partition
	// between log dirs on the same broker.
	FutureLocalReplicaID int32 = -3
)

// Isolation levels, wire-visible on consumer fetches.
const (
	ReadUncommitted int8 = 0
	ReadCommitted   int8 = 1
)

type FetchPartition struct {
	Partition          int32
	CurrentLeaderEpoch int32
	FetchOffset        int64
	LogStartOffset     int64
	MaxBytes           int32
}

type FetchTopic struct {
	Topic      string
	Partitions []*FetchPartition
}

type FetchRequest struct {
	ReplicaID      int32
	MaxWaitTime    int32
	MinBytes       int32
	MaxBytes       int32
	IsolationLevel int8
	Topics         []*FetchTopic
}

type AbortedTransaction struct {
	ProducerID  int64
	FirstOffset int64
}

type FetchPartitionResponse struct {
	Partition            int32
	ErrorCode            int16
	HighWatermark        int64
	LastStableOffset     int64
	LogStartOffset       int64
	AbortedTransactions  []*AbortedTransaction
	PreferredReadReplica int32
	RecordSet            []byte
}

type FetchTopicResponse struct {
	Topic              string
	PartitionResponses []*FetchPartitionResponse
}

type FetchResponse struct {
	ThrottleTime int32
	Responses    []*FetchTopicResponse
}
