package structs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/keg/structs"
)

func TestTopicPartitionString(t *testing.T) {
	tp := structs.TopicPartition{Topic: "events", Partition: 12}
	require.Equal(t, "events-12", tp.String())
}

func TestEncodeDecodeIsrChangeRequest(t *testing.T) {
	req := structs.IsrChangeRequest{
		BrokerID: 3,
		Changes: []structs.IsrChange{
			{Topic: "events", Partition: 0, ISR: []int32{1, 3}, LeaderEpoch: 7, ZKVersion: 2},
		},
	}
	payload, err := structs.Encode(structs.IsrChangeRequestType, req)
	require.NoError(t, err)
	require.Equal(t, structs.IsrChangeRequestType, structs.MessageType(payload[0]))

	var out structs.IsrChangeRequest
	require.NoError(t, structs.Decode(payload[1:], &out))
	require.Equal(t, req.BrokerID, out.BrokerID)
	require.Equal(t, req.Changes[0].ISR, out.Changes[0].ISR)
	require.Equal(t, req.Changes[0].LeaderEpoch, out.Changes[0].LeaderEpoch)
}
