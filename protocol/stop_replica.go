package protocol

type StopReplicaPartition struct {
	Topic     string
	Partition int32
}

type StopReplicaRequest struct {
	ControllerID     int32
	ControllerEpoch  int32
	DeletePartitions bool
	Partitions       []*StopReplicaPartition
}

type StopReplicaPartitionError struct {
	Topic     string
	Partition int32
	ErrorCode int16
}

type StopReplicaResponse struct {
	ErrorCode  int16
	Partitions []*StopReplicaPartitionError
}
