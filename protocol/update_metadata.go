package protocol

type UpdateMetadataBroker struct {
	ID   int32
	Host string
	Port int32
	Rack string
}

type UpdateMetadataRequest struct {
	ControllerID    int32
	ControllerEpoch int32
	PartitionStates []*PartitionState
	Brokers         []*UpdateMetadataBroker
}

type UpdateMetadataResponse struct {
	ErrorCode int16
}
