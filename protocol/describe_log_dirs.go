package protocol

type DescribeLogDirsPartition struct {
	Partition int32
	Size      int64
	OffsetLag int64
	IsFuture  bool
}

type DescribeLogDirsTopic struct {
	Topic      string
	Partitions []*DescribeLogDirsPartition
}

type DescribeLogDirsResult struct {
	Path      string
	ErrorCode int16
	Topics    []*DescribeLogDirsTopic
}

type DescribeLogDirsResponse struct {
	ThrottleTime int32
	Results      []*DescribeLogDirsResult
}
