package keg

import (
	"time"

	"github.com/kegstream/keg/commitlog"
	"github.com/kegstream/keg/protocol"
)

// LogStore is the per-partition log the replica manager drives. The byte
// layout of segments, indexes and the epoch lineage live behind it;
// commitlog.Log is the file-backed implementation.
type LogStore interface {
	Append(records []byte) (commitlog.AppendInfo, error)
	AppendAsFollower(records []byte) (commitlog.AppendInfo, error)
	Read(offset int64, maxBytes int32, upperBound int64, minOneMessage bool) (commitlog.FetchData, error)
	LogStartOffset() int64
	SetLogStartOffset(offset int64)
	LogEndOffset() int64
	HighWatermark() int64
	SetHighWatermark(hw int64)
	LastStableOffset() int64
	Truncate(offset int64) error
	TruncateFullyAndStartAt(offset int64) error
	DeleteRecordsBefore(offset int64) error
	MaybeAssignEpochStart(epoch int32, startOffset int64) error
	EndOffsetForEpoch(epoch int32) (int32, int64)
	LatestEpoch() int32
	OffsetForTimestamp(timestamp int64) (int64, error)
	BytesBetween(from, to int64) int64
	Size() int64
	Dir() string
	Sync() error
	Close() error
	Delete() error
}

var _ LogStore = (*commitlog.Log)(nil)

// CommitLogFactory builds file-backed logs under the config's settings.
func CommitLogFactory(cfg *Config) LogFactory {
	return func(dir string) (LogStore, error) {
		return commitlog.New(dir, commitlog.Config{
			MaxSegmentBytes: cfg.MaxSegmentBytes,
			MaxIndexEntries: cfg.MaxIndexEntries,
		})
	}
}

// FetchClient issues fetch and epoch RPCs against a single remote broker.
// Followers replicate through it; the wire framing behind it is not this
// package's concern.
type FetchClient interface {
	Fetch(clientID string, req *protocol.FetchRequest) (*protocol.FetchResponse, error)
	EndOffsetForEpoch(clientID string, topic string, partition int32, leaderEpoch int32) (*protocol.EpochEndOffset, error)
	Close() error
}

// MetadataStore is the controller boundary the replica manager produces to:
// coalesced ISR changes and log dir failures, msgpack encoded with a type
// prefix (see keg/structs).
type MetadataStore interface {
	PropagateIsrChanges(payload []byte) error
	NotifyLogDirFailure(payload []byte) error
}

// Clock is the logical time source threaded through the manager so tests
// can drive lag and expiry deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// OnLeadershipChange is invoked after a LeaderAndISR directive is applied,
// with the partitions that just became led and followed here.
type OnLeadershipChange func(newLeaders []*Partition, newFollowers []*Partition)

// isInternalTopic reports whether the topic is one of the broker-internal
// ones producers may not write without opting in.
func isInternalTopic(topic string) bool {
	return topic == "__consumer_offsets" || topic == "__transaction_state"
}
