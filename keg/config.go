package keg

import (
	"os"
	"time"
)

// Config holds the replica manager's settings. DefaultConfig returns the
// values a single-node dev deployment wants; cmd/kegd layers flags on top.
type Config struct {
	// ID is this broker's id.
	ID int32
	// NodeName is a human name for logs.
	NodeName string
	// DataDirs are the log directories partitions are spread over.
	DataDirs []string

	// MinInsyncReplicas is the floor on |ISR| for acks=all produces.
	MinInsyncReplicas int
	// ReplicaLagTimeMax is how long a follower may go without catching up
	// before it is shrunk out of the ISR.
	ReplicaLagTimeMax time.Duration
	// IsrShrinkInterval is how often leaders look for lagging followers.
	IsrShrinkInterval time.Duration
	// IsrChangeTickInterval is the tracker's coalescing tick.
	IsrChangeTickInterval time.Duration
	// IsrChangeQuietPeriod is the no-new-changes window that triggers a
	// propagation.
	IsrChangeQuietPeriod time.Duration
	// IsrChangeMaxDelay forces a propagation regardless of churn.
	IsrChangeMaxDelay time.Duration

	// ReplicaFetchMinBytes, ReplicaFetchMaxBytes and ReplicaFetchWait shape
	// the follower fetch requests this broker sends as a follower.
	ReplicaFetchMinBytes int32
	ReplicaFetchMaxBytes int32
	ReplicaFetchWait     time.Duration
	// ReplicaFetchBackoffMax caps the fetcher's retry backoff.
	ReplicaFetchBackoffMax time.Duration

	// HighWatermarkCheckpointInterval is how often per-dir HW files are
	// written.
	HighWatermarkCheckpointInterval time.Duration

	// PurgatoryPurgeInterval is the completed-operation count that triggers
	// a purge of a purgatory's watch lists.
	PurgatoryPurgeInterval int

	// HaltOnDirFailure terminates the process on any log dir failure
	// instead of running degraded.
	HaltOnDirFailure bool
	// Halt is what HaltOnDirFailure calls. Swapped in tests.
	Halt func()

	// ReplicaSelectorName picks the preferred-read-replica policy.
	ReplicaSelectorName string

	// MaxSegmentBytes and MaxIndexEntries are handed to new logs.
	MaxSegmentBytes int64
	MaxIndexEntries int64
}

func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}
	return &Config{
		NodeName:                        hostname,
		DataDirs:                        []string{"/tmp/keg"},
		MinInsyncReplicas:               1,
		ReplicaLagTimeMax:               30 * time.Second,
		IsrShrinkInterval:               5 * time.Second,
		IsrChangeTickInterval:           2500 * time.Millisecond,
		IsrChangeQuietPeriod:            5 * time.Second,
		IsrChangeMaxDelay:               60 * time.Second,
		ReplicaFetchMinBytes:            1,
		ReplicaFetchMaxBytes:            1024 * 1024,
		ReplicaFetchWait:                500 * time.Millisecond,
		ReplicaFetchBackoffMax:          10 * time.Second,
		HighWatermarkCheckpointInterval: 5 * time.Second,
		PurgatoryPurgeInterval:          1000,
		Halt:                            func() { os.Exit(1) },
		ReplicaSelectorName:             "leader",
	}
}
