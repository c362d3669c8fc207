package protocol

type ElectLeadersTopic struct {
	Topic      string
	Partitions []int32
}

type ElectLeadersRequest struct {
	Timeout int32
	Topics  []*ElectLeadersTopic
}

type PartitionElectionResult struct {
	Topic     string
	Partition int32
	ErrorCode int16
}

type ElectLeadersResponse struct {
	ThrottleTime int32
	Results      []*PartitionElectionResult
}
