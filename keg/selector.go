package keg

import (
	"time"

	"github.com/pkg/errors"

	"github.com/kegstream/keg/keg/structs"
)

// ClientMetadata describes the consumer on whose behalf a fetch runs, as
// far as replica selection cares.
type ClientMetadata struct {
	ClientID     string
	ClientHost   string
	RackID       string
	ListenerName string
}

// ReplicaView is one ISR member as a selector sees it: endpoint plus
// staleness.
type ReplicaView struct {
	BrokerID         int32
	Host             string
	Port             int32
	Rack             string
	LogStartOffset   int64
	LogEndOffset     int64
	LastCaughtUpTime time.Time
	IsLeader         bool
}

// PartitionView is the ISR snapshot handed to a selector. Only in-sync
// replicas whose log span covers the fetch offset are included.
type PartitionView struct {
	Replicas []*ReplicaView
}

// ReplicaSelector picks a preferred read replica for a consumer fetch, or
// nil for the leader. Selection only ever runs on the leader and never for
// follower fetches.
type ReplicaSelector interface {
	Configure(cfg map[string]string) error
	Select(tp structs.TopicPartition, client *ClientMetadata, view *PartitionView) *ReplicaView
}

// LeaderSelector always serves from the leader.
type LeaderSelector struct{}

func (LeaderSelector) Configure(map[string]string) error { return nil }

func (LeaderSelector) Select(structs.TopicPartition, *ClientMetadata, *PartitionView) *ReplicaView {
	return nil
}

// RackAwareSelector prefers the in-sync replica in the consumer's rack,
// breaking ties by how caught up the replica is.
type RackAwareSelector struct{}

func (RackAwareSelector) Configure(map[string]string) error { return nil }

func (RackAwareSelector) Select(_ structs.TopicPartition, client *ClientMetadata, view *PartitionView) *ReplicaView {
	if client == nil || client.RackID == "" {
		return nil
	}
	var best *ReplicaView
	for _, r := range view.Replicas {
		if r.Rack != client.RackID {
			continue
		}
		if best == nil || r.LogEndOffset > best.LogEndOffset {
			best = r
		}
	}
	return best
}

// NewReplicaSelector builds the named selector. Policies register here so
// the name stays a config string.
func NewReplicaSelector(name string) (ReplicaSelector, error) {
	switch name {
	case "", "leader":
		return LeaderSelector{}, nil
	case "rack-aware":
		return RackAwareSelector{}, nil
	}
	return nil, errors.Errorf("unknown replica selector: %s", name)
}
