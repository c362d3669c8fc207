package keg_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/keg"
	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

func testCache(t *testing.T) *keg.MetadataCache {
	t.Helper()
	c, err := keg.NewMetadataCache(1, log.NewNop())
	require.NoError(t, err)
	return c
}

func TestUpdateMetadataBrokersAndPartitions(t *testing.T) {
	c := testCache(t)
	deleted, err := c.UpdateMetadata(1, &protocol.UpdateMetadataRequest{
		ControllerEpoch: 1,
		Brokers: []*protocol.UpdateMetadataBroker{
			{ID: 1, Host: "127.0.0.1", Port: 9092, Rack: "a"},
			{ID: 2, Host: "127.0.0.2", Port: 9092, Rack: "b"},
		},
		PartitionStates: []*protocol.PartitionState{
			{Topic: "test", Partition: 0, Leader: 1, LeaderEpoch: 3, ISR: []int32{1, 2}, Replicas: []int32{1, 2}},
			{Topic: "test", Partition: 1, Leader: 2, LeaderEpoch: 3, ISR: []int32{2}, Replicas: []int32{1, 2}},
		},
	})
	require.NoError(t, err)
	require.Empty(t, deleted)

	require.Len(t, c.AliveBrokers(), 2)
	require.Equal(t, "127.0.0.2", c.AliveBroker(2).Host)
	require.Nil(t, c.AliveBroker(9))

	tp := structs.TopicPartition{Topic: "test", Partition: 0}
	require.True(t, c.Contains(tp))
	p := c.Partition(tp)
	require.Equal(t, int32(1), p.Leader)
	require.Equal(t, []int32{1, 2}, p.ISR)

	topic := c.Topic("test")
	require.NotNil(t, topic)
	require.Len(t, topic.Partitions, 2)
	require.False(t, topic.Internal)

	endpoints := c.PartitionReplicaEndpoints(tp)
	require.Len(t, endpoints, 2)
	require.Equal(t, "a", endpoints[1].Rack)
}

func TestUpdateMetadataDeletesPartitions(t *testing.T) {
	c := testCache(t)
	_, err := c.UpdateMetadata(1, &protocol.UpdateMetadataRequest{
		PartitionStates: []*protocol.PartitionState{
			{Topic: "test", Partition: 0, Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, Replicas: []int32{1}},
		},
	})
	require.NoError(t, err)

	deleted, err := c.UpdateMetadata(2, &protocol.UpdateMetadataRequest{
		PartitionStates: []*protocol.PartitionState{
			// Leader -2 marks the topic mid-deletion.
			{Topic: "test", Partition: 0, Leader: -2, LeaderEpoch: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []structs.TopicPartition{{Topic: "test", Partition: 0}}, deleted)
	require.False(t, c.Contains(structs.TopicPartition{Topic: "test", Partition: 0}))
}

func TestPropagateIsrChangesRoundTrip(t *testing.T) {
	c := testCache(t)
	_, err := c.UpdateMetadata(1, &protocol.UpdateMetadataRequest{
		PartitionStates: []*protocol.PartitionState{
			{Topic: "test", Partition: 0, Leader: 1, LeaderEpoch: 3, ISR: []int32{1, 2}, Replicas: []int32{1, 2}},
		},
	})
	require.NoError(t, err)

	payload, err := structs.Encode(structs.IsrChangeRequestType, structs.IsrChangeRequest{
		BrokerID: 1,
		Changes: []structs.IsrChange{
			{Topic: "test", Partition: 0, ISR: []int32{1}, LeaderEpoch: 3},
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.PropagateIsrChanges(payload))

	p := c.Partition(structs.TopicPartition{Topic: "test", Partition: 0})
	require.Equal(t, []int32{1}, p.ISR)
}

func TestPropagateIsrChangesIgnoresStaleEpoch(t *testing.T) {
	c := testCache(t)
	_, err := c.UpdateMetadata(1, &protocol.UpdateMetadataRequest{
		PartitionStates: []*protocol.PartitionState{
			{Topic: "test", Partition: 0, Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2}, Replicas: []int32{1, 2}},
		},
	})
	require.NoError(t, err)

	payload, err := structs.Encode(structs.IsrChangeRequestType, structs.IsrChangeRequest{
		BrokerID: 1,
		Changes: []structs.IsrChange{
			{Topic: "test", Partition: 0, ISR: []int32{1}, LeaderEpoch: 4},
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.PropagateIsrChanges(payload))

	p := c.Partition(structs.TopicPartition{Topic: "test", Partition: 0})
	require.Equal(t, []int32{1, 2}, p.ISR)
}

func TestPropagateRejectsWrongPayloadType(t *testing.T) {
	c := testCache(t)
	payload, err := structs.Encode(structs.LogDirFailureRequestType, structs.LogDirFailureRequest{BrokerID: 1, Dir: "/x"})
	require.NoError(t, err)
	require.Error(t, c.PropagateIsrChanges(payload))
	require.NoError(t, c.NotifyLogDirFailure(payload))
}
