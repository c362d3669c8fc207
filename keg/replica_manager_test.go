package keg_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/commitlog"
	"github.com/kegstream/keg/keg"
	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/mock"
	"github.com/kegstream/keg/protocol"
	"github.com/kegstream/keg/testutil"
)

func testReplicaManager(t *testing.T, clock keg.Clock, factory keg.FetchClientFactory) (*keg.ReplicaManager, *keg.Config) {
	t.Helper()
	cfg := keg.TestConfig(t)
	cfg.ID = 1
	if factory == nil {
		factory = func(b *structs.Broker) (keg.FetchClient, error) {
			return mock.NewFetchClient(0), nil
		}
	}
	rm, _ := keg.NewTestReplicaManager(t, cfg, clock, factory)
	t.Cleanup(func() {
		rm.Shutdown()
		for _, dir := range cfg.DataDirs {
			os.RemoveAll(dir)
		}
	})
	seedMetadata(t, rm)
	return rm, cfg
}

// seedMetadata registers brokers 1..3 and partition test-0 assigned to
// broker 1 and 2.
func seedMetadata(t *testing.T, rm *keg.ReplicaManager) {
	t.Helper()
	res := rm.UpdateMetadata(1, &protocol.UpdateMetadataRequest{
		ControllerEpoch: 1,
		Brokers: []*protocol.UpdateMetadataBroker{
			{ID: 1, Host: "127.0.0.1", Port: 9092},
			{ID: 2, Host: "127.0.0.1", Port: 9093},
			{ID: 3, Host: "127.0.0.1", Port: 9094},
		},
		PartitionStates: []*protocol.PartitionState{{
			Topic:       "test",
			Partition:   0,
			Leader:      1,
			LeaderEpoch: 1,
			ISR:         []int32{1, 2},
			Replicas:    []int32{1, 2},
		}},
	})
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
}

func leaderAndISR(controllerEpoch int32, states ...*protocol.PartitionState) *protocol.LeaderAndISRRequest {
	return &protocol.LeaderAndISRRequest{
		ControllerID:    0,
		ControllerEpoch: controllerEpoch,
		PartitionStates: states,
	}
}

func produce(t *testing.T, rm *keg.ReplicaManager, acks int16, timeout time.Duration, payloads ...string) *protocol.ProduceResponse {
	t.Helper()
	ch := make(chan *protocol.ProduceResponse, 1)
	rm.AppendRecords(timeout, acks, false, []*protocol.ProduceTopicData{{
		Topic: "test",
		Data:  []*protocol.ProducePartitionData{{Partition: 0, RecordSet: records(payloads...)}},
	}}, func(res *protocol.ProduceResponse) { ch <- res })
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("produce response never arrived")
		return nil
	}
}

func produceAsync(rm *keg.ReplicaManager, acks int16, timeout time.Duration, payloads ...string) chan *protocol.ProduceResponse {
	ch := make(chan *protocol.ProduceResponse, 1)
	rm.AppendRecords(timeout, acks, false, []*protocol.ProduceTopicData{{
		Topic: "test",
		Data:  []*protocol.ProducePartitionData{{Partition: 0, RecordSet: records(payloads...)}},
	}}, func(res *protocol.ProduceResponse) { ch <- res })
	return ch
}

func fetch(t *testing.T, rm *keg.ReplicaManager, replicaID int32, fetchOffset int64, timeout time.Duration) *protocol.FetchResponse {
	t.Helper()
	ch := fetchAsync(rm, replicaID, fetchOffset, timeout)
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("fetch response never arrived")
		return nil
	}
}

func fetchAsync(rm *keg.ReplicaManager, replicaID int32, fetchOffset int64, timeout time.Duration) chan *protocol.FetchResponse {
	ch := make(chan *protocol.FetchResponse, 1)
	rm.FetchMessages(timeout, replicaID, 1, 1<<20, false, protocol.ReadUncommitted, []*protocol.FetchTopic{{
		Topic: "test",
		Partitions: []*protocol.FetchPartition{{
			Partition:          0,
			CurrentLeaderEpoch: -1,
			FetchOffset:        fetchOffset,
			MaxBytes:           1 << 20,
		}},
	}}, nil, func(res *protocol.FetchResponse) { ch <- res })
	return ch
}

func TestBecomeLeaderStaleControllerEpoch(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)

	res := rm.BecomeLeaderOrFollower(leaderAndISR(7, directive(1, 1, []int32{1}, []int32{1})), nil)
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	require.Equal(t, int32(7), rm.ControllerEpoch())

	// A directive from a superseded controller is rejected wholesale.
	res = rm.BecomeLeaderOrFollower(leaderAndISR(6, directive(1, 9, []int32{1}, []int32{1})), nil)
	require.Equal(t, protocol.ErrStaleControllerEpoch.Code(), res.ErrorCode)
	require.Empty(t, res.Partitions)

	p := rm.Partition(structs.TopicPartition{Topic: "test", Partition: 0})
	require.NotNil(t, p)
	require.Equal(t, int32(1), p.LeaderEpoch())
}

func TestBecomeLeaderEpochMonotonic(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)

	res := rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 5, []int32{1}, []int32{1})), nil)
	require.Equal(t, protocol.ErrNone.Code(), res.Partitions[0].ErrorCode)

	// Equal epoch: rejected per partition.
	res = rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 5, []int32{1}, []int32{1})), nil)
	require.Equal(t, protocol.ErrStaleControllerEpoch.Code(), res.Partitions[0].ErrorCode)

	// Lower epoch: rejected per partition.
	res = rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 4, []int32{1}, []int32{1})), nil)
	require.Equal(t, protocol.ErrStaleControllerEpoch.Code(), res.Partitions[0].ErrorCode)

	p := rm.Partition(structs.TopicPartition{Topic: "test", Partition: 0})
	require.Equal(t, int32(5), p.LeaderEpoch())
}

func TestBecomeLeaderNotInReplicas(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	res := rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(2, 1, []int32{2, 3}, []int32{2, 3})), nil)
	require.Equal(t, protocol.ErrUnknownTopicOrPartition.Code(), res.Partitions[0].ErrorCode)
}

func TestLeadershipChangeCallback(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	var leaders, followers int
	rm.BecomeLeaderOrFollower(leaderAndISR(1,
		directive(1, 1, []int32{1}, []int32{1}),
		&protocol.PartitionState{Topic: "other", Partition: 0, Leader: 2, LeaderEpoch: 1, ISR: []int32{2}, Replicas: []int32{1, 2}},
	), func(newLeaders, newFollowers []*keg.Partition) {
		leaders = len(newLeaders)
		followers = len(newFollowers)
	})
	require.Equal(t, 1, leaders)
	require.Equal(t, 1, followers)
}

// Scenario: single replica leader, acks=1 produce responds immediately and
// a self-fetch advances the high watermark.
func TestProduceAcksLeaderSingleReplica(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	res := rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1}, []int32{1})), nil)
	require.Equal(t, protocol.ErrNone.Code(), res.Partitions[0].ErrorCode)

	pres := produce(t, rm, protocol.AcksLeader, time.Second, "a", "b", "c")
	pr := pres.Responses[0].PartitionResponses[0]
	require.Equal(t, protocol.ErrNone.Code(), pr.ErrorCode)
	require.Equal(t, int64(0), pr.BaseOffset)

	p := rm.Partition(structs.TopicPartition{Topic: "test", Partition: 0})
	require.Equal(t, int64(3), p.Log().LogEndOffset())

	// The dummy self-fetch moves the single-member ISR's watermark.
	fetch(t, rm, 1, 3, 0)
	require.Equal(t, int64(3), p.HighWatermark())

	// Now a consumer sees all three records.
	fres := fetch(t, rm, protocol.ConsumerReplicaID, 0, 0)
	fpr := fres.Responses[0].PartitionResponses[0]
	require.Equal(t, protocol.ErrNone.Code(), fpr.ErrorCode)
	offsets, _, err := commitlog.MessageSet(fpr.RecordSet).Messages()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, offsets)
	require.Equal(t, int64(3), fpr.HighWatermark)
}

// Scenario: acks=all produce completes once the follower fetches at the
// log end, which advances the high watermark.
func TestProduceAcksAllCompletesOnFollowerCatchUp(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	res := rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1, 2}, []int32{1, 2})), nil)
	require.Equal(t, protocol.ErrNone.Code(), res.Partitions[0].ErrorCode)

	ch := produceAsync(rm, protocol.AcksAll, 5*time.Second, "a", "b", "c", "d", "e")
	select {
	case <-ch:
		t.Fatal("produce completed before the follower caught up")
	case <-time.After(50 * time.Millisecond):
	}

	// Follower 2 fetches at offset 5: fully caught up.
	fetch(t, rm, 2, 5, 0)

	select {
	case pres := <-ch:
		pr := pres.Responses[0].PartitionResponses[0]
		require.Equal(t, protocol.ErrNone.Code(), pr.ErrorCode)
		require.Equal(t, int64(0), pr.BaseOffset)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed produce never completed")
	}
	p := rm.Partition(structs.TopicPartition{Topic: "test", Partition: 0})
	require.Equal(t, int64(5), p.HighWatermark())
}

func TestProduceAcksAllExpires(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1, 2}, []int32{1, 2})), nil)

	pres := produce(t, rm, protocol.AcksAll, 50*time.Millisecond, "a")
	pr := pres.Responses[0].PartitionResponses[0]
	require.Equal(t, protocol.ErrRequestTimedOut.Code(), pr.ErrorCode)
}

func TestProduceInvalidAcks(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1}, []int32{1})), nil)
	pres := produce(t, rm, 2, time.Second, "a")
	require.Equal(t, protocol.ErrInvalidRequiredAcks.Code(), pres.Responses[0].PartitionResponses[0].ErrorCode)
}

func TestProduceErrorClassification(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)

	// Hosted nowhere, absent from metadata.
	ch := make(chan *protocol.ProduceResponse, 1)
	rm.AppendRecords(0, protocol.AcksLeader, false, []*protocol.ProduceTopicData{{
		Topic: "nowhere",
		Data:  []*protocol.ProducePartitionData{{Partition: 0, RecordSet: records("a")}},
	}}, func(res *protocol.ProduceResponse) { ch <- res })
	res := <-ch
	require.Equal(t, protocol.ErrUnknownTopicOrPartition.Code(), res.Responses[0].PartitionResponses[0].ErrorCode)

	// In metadata but not hosted here: replica not available.
	require.Equal(t, protocol.ErrReplicaNotAvailable.Code(), produce(t, rm, protocol.AcksLeader, time.Second, "a").Responses[0].PartitionResponses[0].ErrorCode)

	// Internal topics need the flag.
	rm.AppendRecords(0, protocol.AcksLeader, false, []*protocol.ProduceTopicData{{
		Topic: "__consumer_offsets",
		Data:  []*protocol.ProducePartitionData{{Partition: 0, RecordSet: records("a")}},
	}}, func(res *protocol.ProduceResponse) { ch <- res })
	res = <-ch
	require.Equal(t, protocol.ErrInvalidTopic.Code(), res.Responses[0].PartitionResponses[0].ErrorCode)

	// Produce to a follower: not leader.
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(2, 1, []int32{2}, []int32{1, 2})), nil)
	require.Equal(t, protocol.ErrNotLeaderForPartition.Code(), produce(t, rm, protocol.AcksLeader, time.Second, "a").Responses[0].PartitionResponses[0].ErrorCode)
}

func TestDelayedFetchCompletesOnProduce(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1}, []int32{1})), nil)
	produce(t, rm, protocol.AcksLeader, time.Second, "a")
	fetch(t, rm, 1, 1, 0) // self-fetch: HW=1

	// Long-poll past the log end.
	ch := fetchAsync(rm, protocol.ConsumerReplicaID, 1, 5*time.Second)
	select {
	case <-ch:
		t.Fatal("fetch completed with nothing to read")
	case <-time.After(50 * time.Millisecond):
	}

	produce(t, rm, protocol.AcksLeader, time.Second, "b")
	fetch(t, rm, 1, 2, 0) // HW=2 so the consumer can see it

	select {
	case fres := <-ch:
		fpr := fres.Responses[0].PartitionResponses[0]
		require.Equal(t, protocol.ErrNone.Code(), fpr.ErrorCode)
		offsets, payloads, err := commitlog.MessageSet(fpr.RecordSet).Messages()
		require.NoError(t, err)
		require.Equal(t, []int64{1}, offsets)
		require.Equal(t, "b", string(payloads[0]))
	case <-time.After(5 * time.Second):
		t.Fatal("delayed fetch never completed")
	}
}

func TestFetchErrorsRespondImmediately(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(2, 1, []int32{2}, []int32{1, 2})), nil)

	// Consumer fetch against a follower: not leader, no long poll.
	fres := fetch(t, rm, protocol.ConsumerReplicaID, 0, 5*time.Second)
	require.Equal(t, protocol.ErrNotLeaderForPartition.Code(), fres.Responses[0].PartitionResponses[0].ErrorCode)
}

func TestDeleteRecordsWaitsForLowWatermark(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1, 2}, []int32{1, 2})), nil)
	produce(t, rm, protocol.AcksLeader, time.Second, "a", "b", "c")
	fetch(t, rm, 2, 3, 0) // follower catches up, HW=3

	ch := make(chan *protocol.DeleteRecordsResponse, 1)
	rm.DeleteRecords(5*time.Second, []*protocol.DeleteRecordsTopic{{
		Topic:      "test",
		Partitions: []*protocol.DeleteRecordsPartition{{Partition: 0, Offset: 2}},
	}}, func(res *protocol.DeleteRecordsResponse) { ch <- res })

	select {
	case <-ch:
		t.Fatal("delete records completed before the follower's start moved")
	case <-time.After(50 * time.Millisecond):
	}

	// The follower reports its own start offset at 2 on its next fetch.
	fch := make(chan *protocol.FetchResponse, 1)
	rm.FetchMessages(0, 2, 1, 1<<20, false, protocol.ReadUncommitted, []*protocol.FetchTopic{{
		Topic: "test",
		Partitions: []*protocol.FetchPartition{{
			Partition: 0, CurrentLeaderEpoch: -1, FetchOffset: 3, LogStartOffset: 2, MaxBytes: 1 << 20,
		}},
	}}, nil, func(res *protocol.FetchResponse) { fch <- res })
	<-fch

	select {
	case res := <-ch:
		pr := res.Topics[0].Partitions[0]
		require.Equal(t, protocol.ErrNone.Code(), pr.ErrorCode)
		require.Equal(t, int64(2), pr.LowWatermark)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed delete records never completed")
	}
}

func TestStopReplicasDelete(t *testing.T) {
	rm, cfg := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1}, []int32{1})), nil)
	produce(t, rm, protocol.AcksLeader, time.Second, "a")

	tp := structs.TopicPartition{Topic: "test", Partition: 0}
	logDir := filepath.Join(cfg.DataDirs[0], tp.String())
	_, err := os.Stat(logDir)
	require.NoError(t, err)

	res := rm.StopReplicas(&protocol.StopReplicaRequest{
		ControllerEpoch:  1,
		DeletePartitions: true,
		Partitions:       []*protocol.StopReplicaPartition{{Topic: "test", Partition: 0}},
	})
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	require.Equal(t, protocol.ErrNone.Code(), res.Partitions[0].ErrorCode)

	_, ok := rm.Hosted(tp).(keg.HostedNone)
	require.True(t, ok)

	testutil.WaitForResult(func() (bool, error) {
		_, err := os.Stat(logDir)
		return os.IsNotExist(err), nil
	}, func(err error) { t.Fatalf("log never deleted: %v", err) })

	// Stopping again is a no-op.
	res = rm.StopReplicas(&protocol.StopReplicaRequest{
		ControllerEpoch: 1,
		Partitions:      []*protocol.StopReplicaPartition{{Topic: "test", Partition: 0}},
	})
	require.Equal(t, protocol.ErrNone.Code(), res.Partitions[0].ErrorCode)
}

func TestStopReplicasStaleControllerEpoch(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(5, directive(1, 1, []int32{1}, []int32{1})), nil)
	res := rm.StopReplicas(&protocol.StopReplicaRequest{
		ControllerEpoch:  4,
		DeletePartitions: true,
		Partitions:       []*protocol.StopReplicaPartition{{Topic: "test", Partition: 0}},
	})
	require.Equal(t, protocol.ErrStaleControllerEpoch.Code(), res.ErrorCode)
	require.NotNil(t, rm.Partition(structs.TopicPartition{Topic: "test", Partition: 0}))
}

// Scenario: a log dir failure takes its partitions offline, drops the
// dir's checkpoints, and subsequent requests see KafkaStorageError.
func TestLogDirFailure(t *testing.T) {
	rm, cfg := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1}, []int32{1})), nil)
	produce(t, rm, protocol.AcksLeader, time.Second, "a")
	rm.CheckpointHighWatermarks()

	hwFile := filepath.Join(cfg.DataDirs[0], keg.HighWatermarkCheckpointFile)
	_, err := os.Stat(hwFile)
	require.NoError(t, err)

	rm.OfflineDirChannel() <- cfg.DataDirs[0]

	tp := structs.TopicPartition{Topic: "test", Partition: 0}
	testutil.WaitForResult(func() (bool, error) {
		_, offline := rm.Hosted(tp).(keg.HostedOffline)
		return offline, nil
	}, func(err error) { t.Fatalf("partition never went offline: %v", err) })

	fres := fetch(t, rm, protocol.ConsumerReplicaID, 0, 0)
	require.Equal(t, protocol.ErrKafkaStorageError.Code(), fres.Responses[0].PartitionResponses[0].ErrorCode)

	pres := produce(t, rm, protocol.AcksLeader, time.Second, "b")
	require.Equal(t, protocol.ErrKafkaStorageError.Code(), pres.Responses[0].PartitionResponses[0].ErrorCode)

	_, err = os.Stat(hwFile)
	require.True(t, os.IsNotExist(err))

	// Directives for the dead partition now fail with the storage error.
	res := rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 9, []int32{1}, []int32{1})), nil)
	require.Equal(t, protocol.ErrKafkaStorageError.Code(), res.Partitions[0].ErrorCode)
}

func TestHaltOnDirFailure(t *testing.T) {
	cfg := keg.TestConfig(t)
	cfg.ID = 1
	cfg.HaltOnDirFailure = true
	halted := make(chan struct{})
	cfg.Halt = func() { close(halted) }
	rm, _ := keg.NewTestReplicaManager(t, cfg, keg.SystemClock(), func(b *structs.Broker) (keg.FetchClient, error) {
		return mock.NewFetchClient(0), nil
	})
	t.Cleanup(func() {
		rm.Shutdown()
		os.RemoveAll(cfg.DataDirs[0])
	})
	rm.OfflineDirChannel() <- cfg.DataDirs[0]
	select {
	case <-halted:
	case <-time.After(5 * time.Second):
		t.Fatal("halt never ran")
	}
}

func TestFollowerReplicatesFromLeader(t *testing.T) {
	client := mock.NewFetchClient(4)
	client.HighWatermark = 4
	rm, _ := testReplicaManager(t, keg.SystemClock(), func(b *structs.Broker) (keg.FetchClient, error) {
		return client, nil
	})

	res := rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(2, 1, []int32{2}, []int32{1, 2})), nil)
	require.Equal(t, protocol.ErrNone.Code(), res.Partitions[0].ErrorCode)

	tp := structs.TopicPartition{Topic: "test", Partition: 0}
	p := rm.Partition(tp)
	require.NotNil(t, p)

	testutil.WaitForResult(func() (bool, error) {
		return p.Log().LogEndOffset() == 4, nil
	}, func(err error) { t.Fatalf("follower never caught up: %v", err) })

	// The leader's watermark came along with the records.
	require.Equal(t, int64(4), p.Log().HighWatermark())

	data, err := p.Log().Read(0, 1<<20, 4, true)
	require.NoError(t, err)
	_, payloads, err := commitlog.MessageSet(data.Records).Messages()
	require.NoError(t, err)
	require.Len(t, payloads, 4)
	for i, m := range client.Messages() {
		require.Equal(t, string(m), string(payloads[i]))
	}
}

func TestAlterReplicaLogDirsMovesPartition(t *testing.T) {
	cfg := keg.TestConfig(t)
	cfg.ID = 1
	second := cfg.DataDirs[0] + "-b"
	require.NoError(t, os.MkdirAll(second, 0755))
	cfg.DataDirs = append(cfg.DataDirs, second)
	rm, _ := keg.NewTestReplicaManager(t, cfg, keg.SystemClock(), func(b *structs.Broker) (keg.FetchClient, error) {
		return mock.NewFetchClient(0), nil
	})
	t.Cleanup(func() {
		rm.Shutdown()
		for _, dir := range cfg.DataDirs {
			os.RemoveAll(dir)
		}
	})
	seedMetadata(t, rm)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1}, []int32{1})), nil)
	produce(t, rm, protocol.AcksLeader, time.Second, "a", "b", "c")

	tp := structs.TopicPartition{Topic: "test", Partition: 0}
	p := rm.Partition(tp)
	src := p.DataDir()
	var dest string
	for _, dir := range cfg.DataDirs {
		if dir != src {
			dest = dir
		}
	}

	out := rm.AlterReplicaLogDirs(map[structs.TopicPartition]string{tp: dest})
	require.Equal(t, protocol.ErrNone.Code(), out[tp].Code())

	testutil.WaitForResult(func() (bool, error) {
		return p.DataDir() == dest && p.FutureLog() == nil, nil
	}, func(err error) { t.Fatalf("future log never promoted: %v", err) })

	require.Equal(t, int64(3), p.Log().LogEndOffset())
	data, err := p.Log().Read(0, 1<<20, 3, true)
	require.NoError(t, err)
	offsets, _, err := commitlog.MessageSet(data.Records).Messages()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, offsets)

	// Unknown destination dirs are refused.
	out = rm.AlterReplicaLogDirs(map[structs.TopicPartition]string{tp: "/no/such/dir"})
	require.Equal(t, protocol.ErrLogDirNotFound.Code(), out[tp].Code())
}

func TestFetchOffsetForTimestampSentinels(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1}, []int32{1})), nil)
	produce(t, rm, protocol.AcksLeader, time.Second, "a", "b", "c")
	fetch(t, rm, 1, 3, 0) // HW=3

	tp := structs.TopicPartition{Topic: "test", Partition: 0}
	offset, perr := rm.FetchOffsetForTimestamp(tp, protocol.LatestTimestamp, protocol.ReadUncommitted, -1, true)
	require.Equal(t, protocol.ErrNone.Code(), perr.Code())
	require.Equal(t, int64(3), offset)

	offset, perr = rm.FetchOffsetForTimestamp(tp, protocol.EarliestTimestamp, protocol.ReadUncommitted, -1, true)
	require.Equal(t, protocol.ErrNone.Code(), perr.Code())
	require.Equal(t, int64(0), offset)
}

func TestLastOffsetForLeaderEpoch(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 3, []int32{1}, []int32{1})), nil)
	produce(t, rm, protocol.AcksLeader, time.Second, "a", "b")

	tp := structs.TopicPartition{Topic: "test", Partition: 0}
	res := rm.LastOffsetForLeaderEpoch(tp, -1, 3)
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	require.Equal(t, int32(3), res.LeaderEpoch)
	require.Equal(t, int64(2), res.EndOffset)

	// An epoch older than the lineage is undefined.
	res = rm.LastOffsetForLeaderEpoch(tp, -1, 1)
	require.Equal(t, int64(-1), res.EndOffset)
}

func TestElectLeaders(t *testing.T) {
	rm, _ := testReplicaManager(t, keg.SystemClock(), nil)

	// Metadata already shows a live leader for test-0: completes inline.
	ch := make(chan *protocol.ElectLeadersResponse, 1)
	rm.ElectLeaders(time.Second, &protocol.ElectLeadersRequest{
		Topics: []*protocol.ElectLeadersTopic{{Topic: "test", Partitions: []int32{0}}},
	}, func(res *protocol.ElectLeadersResponse) { ch <- res })
	select {
	case res := <-ch:
		require.Equal(t, protocol.ErrNone.Code(), res.Results[0].ErrorCode)
	case <-time.After(5 * time.Second):
		t.Fatal("elect leaders never completed")
	}

	// A partition with no leader in metadata waits out the deadline.
	rm.ElectLeaders(50*time.Millisecond, &protocol.ElectLeadersRequest{
		Topics: []*protocol.ElectLeadersTopic{{Topic: "nowhere", Partitions: []int32{0}}},
	}, func(res *protocol.ElectLeadersResponse) { ch <- res })
	select {
	case res := <-ch:
		require.Equal(t, protocol.ErrRequestTimedOut.Code(), res.Results[0].ErrorCode)
	case <-time.After(5 * time.Second):
		t.Fatal("elect leaders never expired")
	}
}

func TestShutdownDrainsDelayedOps(t *testing.T) {
	cfg := keg.TestConfig(t)
	cfg.ID = 1
	rm, _ := keg.NewTestReplicaManager(t, cfg, keg.SystemClock(), func(b *structs.Broker) (keg.FetchClient, error) {
		return mock.NewFetchClient(0), nil
	})
	t.Cleanup(func() { os.RemoveAll(cfg.DataDirs[0]) })
	seedMetadata(t, rm)
	rm.BecomeLeaderOrFollower(leaderAndISR(1, directive(1, 1, []int32{1, 2}, []int32{1, 2})), nil)

	ch := produceAsync(rm, protocol.AcksAll, time.Hour, "a")
	require.NoError(t, rm.Shutdown())
	select {
	case res := <-ch:
		require.Equal(t, protocol.ErrRequestTimedOut.Code(), res.Responses[0].PartitionResponses[0].ErrorCode)
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding produce never drained")
	}
}
