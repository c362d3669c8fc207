package keg_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/keg"
	"github.com/kegstream/keg/keg/structs"
)

func TestLeaderSelectorAlwaysLeader(t *testing.T) {
	s, err := keg.NewReplicaSelector("leader")
	require.NoError(t, err)
	require.Nil(t, s.Select(structs.TopicPartition{Topic: "t", Partition: 0}, &keg.ClientMetadata{RackID: "a"}, &keg.PartitionView{
		Replicas: []*keg.ReplicaView{{BrokerID: 2, Rack: "a"}},
	}))
}

func TestRackAwareSelectorPicksRackMate(t *testing.T) {
	s, err := keg.NewReplicaSelector("rack-aware")
	require.NoError(t, err)
	view := &keg.PartitionView{
		Replicas: []*keg.ReplicaView{
			{BrokerID: 1, Rack: "a", LogEndOffset: 10, IsLeader: true},
			{BrokerID: 2, Rack: "b", LogEndOffset: 8},
			{BrokerID: 3, Rack: "b", LogEndOffset: 10},
		},
	}
	tp := structs.TopicPartition{Topic: "t", Partition: 0}

	picked := s.Select(tp, &keg.ClientMetadata{RackID: "b"}, view)
	require.NotNil(t, picked)
	// Ties on rack break by how caught up the replica is.
	require.Equal(t, int32(3), picked.BrokerID)

	// No rack, no preference.
	require.Nil(t, s.Select(tp, &keg.ClientMetadata{}, view))

	// Unknown rack, no preference.
	require.Nil(t, s.Select(tp, &keg.ClientMetadata{RackID: "z"}, view))
}

func TestUnknownSelectorName(t *testing.T) {
	_, err := keg.NewReplicaSelector("bogus")
	require.Error(t, err)
}
