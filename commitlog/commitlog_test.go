package commitlog_test

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/commitlog"
)

func setup(t *testing.T) (*commitlog.Log, string) {
	dir, err := ioutil.TempDir("", "commitlog-test")
	require.NoError(t, err)
	l, err := commitlog.New(dir, commitlog.Config{
		MaxSegmentBytes: 256,
		MaxIndexEntries: 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return l, dir
}

func msgs(payloads ...string) []byte {
	var bs [][]byte
	for _, p := range payloads {
		bs = append(bs, []byte(p))
	}
	return commitlog.NewMessageSet(bs...)
}

func TestAppendAssignsOffsets(t *testing.T) {
	l, _ := setup(t)
	info, err := l.Append(msgs("one", "two", "three"))
	require.NoError(t, err)
	require.Equal(t, int64(0), info.FirstOffset)
	require.Equal(t, int64(2), info.LastOffset)
	require.Equal(t, int32(3), info.NumMessages)
	require.Equal(t, int64(3), l.LogEndOffset())

	info, err = l.Append(msgs("four"))
	require.NoError(t, err)
	require.Equal(t, int64(3), info.FirstOffset)
	require.Equal(t, int64(4), l.LogEndOffset())
}

func TestReadBoundedByUpperBound(t *testing.T) {
	l, _ := setup(t)
	_, err := l.Append(msgs("one", "two", "three"))
	require.NoError(t, err)

	data, err := l.Read(0, 1024, 2, true)
	require.NoError(t, err)
	offsets, payloads, err := commitlog.MessageSet(data.Records).Messages()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, offsets)
	require.Equal(t, "one", string(payloads[0]))
	require.Equal(t, "two", string(payloads[1]))

	// Nothing visible above the bound.
	data, err = l.Read(2, 1024, 2, true)
	require.NoError(t, err)
	require.Empty(t, data.Records)
}

func TestReadOffsetOutOfRange(t *testing.T) {
	l, _ := setup(t)
	_, err := l.Append(msgs("one"))
	require.NoError(t, err)

	_, err = l.Read(5, 1024, 10, true)
	require.Equal(t, commitlog.ErrOffsetOutOfRange, err)

	require.NoError(t, l.DeleteRecordsBefore(1))
	_, err = l.Read(0, 1024, 10, true)
	require.Equal(t, commitlog.ErrOffsetOutOfRange, err)
}

func TestReadMinOneMessage(t *testing.T) {
	l, _ := setup(t)
	_, err := l.Append(msgs("a long enough payload"))
	require.NoError(t, err)

	// Too small a budget without minOneMessage: incomplete first entry.
	data, err := l.Read(0, 4, 1, false)
	require.NoError(t, err)
	require.True(t, data.FirstEntryIncomplete)
	require.Empty(t, data.Records)

	// With minOneMessage the oversized first message comes back whole.
	data, err = l.Read(0, 4, 1, true)
	require.NoError(t, err)
	_, payloads, err := commitlog.MessageSet(data.Records).Messages()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	require.Equal(t, "a long enough payload", string(payloads[0]))
}

func TestRollsSegments(t *testing.T) {
	l, _ := setup(t)
	// 256 byte segments; write enough to roll a few times.
	for i := 0; i < 40; i++ {
		_, err := l.Append(msgs("0123456789abcdef"))
		require.NoError(t, err)
	}
	require.Equal(t, int64(40), l.LogEndOffset())
	data, err := l.Read(17, 1024, 20, true)
	require.NoError(t, err)
	offsets, _, err := commitlog.MessageSet(data.Records).Messages()
	require.NoError(t, err)
	require.Equal(t, int64(17), offsets[0])
}

func TestReopenRecoversState(t *testing.T) {
	l, dir := setup(t)
	for i := 0; i < 10; i++ {
		_, err := l.Append(msgs("0123456789abcdef"))
		require.NoError(t, err)
	}
	require.NoError(t, l.MaybeAssignEpochStart(3, 4))
	require.NoError(t, l.Close())

	reopened, err := commitlog.New(dir, commitlog.Config{MaxSegmentBytes: 256, MaxIndexEntries: 1024})
	require.NoError(t, err)
	require.Equal(t, int64(10), reopened.LogEndOffset())
	epoch, end := reopened.EndOffsetForEpoch(3)
	require.Equal(t, int32(3), epoch)
	require.Equal(t, int64(10), end)

	data, err := reopened.Read(4, 1024, 10, true)
	require.NoError(t, err)
	offsets, _, err := commitlog.MessageSet(data.Records).Messages()
	require.NoError(t, err)
	require.Equal(t, int64(4), offsets[0])
}

func TestTruncate(t *testing.T) {
	l, _ := setup(t)
	_, err := l.Append(msgs("one", "two", "three", "four", "five"))
	require.NoError(t, err)
	l.SetHighWatermark(5)

	require.NoError(t, l.Truncate(2))
	require.Equal(t, int64(2), l.LogEndOffset())
	require.Equal(t, int64(2), l.HighWatermark())

	info, err := l.Append(msgs("two-b"))
	require.NoError(t, err)
	require.Equal(t, int64(2), info.FirstOffset)
}

func TestTruncateFullyAndStartAt(t *testing.T) {
	l, _ := setup(t)
	_, err := l.Append(msgs("one", "two"))
	require.NoError(t, err)

	require.NoError(t, l.TruncateFullyAndStartAt(10))
	require.Equal(t, int64(10), l.LogStartOffset())
	require.Equal(t, int64(10), l.LogEndOffset())

	ms := commitlog.MessageSet(msgs("ten"))
	_, _, err = ms.AssignOffsets(10)
	require.NoError(t, err)
	_, err = l.AppendAsFollower(ms)
	require.NoError(t, err)
	require.Equal(t, int64(11), l.LogEndOffset())
}

func TestAppendAsFollowerRejectsGaps(t *testing.T) {
	l, _ := setup(t)
	ms := commitlog.MessageSet(msgs("one"))
	_, _, err := ms.AssignOffsets(5)
	require.NoError(t, err)
	_, err = l.AppendAsFollower(ms)
	require.Error(t, err)
}

func TestDeleteRecordsBefore(t *testing.T) {
	l, _ := setup(t)
	for i := 0; i < 40; i++ {
		_, err := l.Append(msgs("0123456789abcdef"))
		require.NoError(t, err)
	}
	require.NoError(t, l.DeleteRecordsBefore(20))
	require.Equal(t, int64(20), l.LogStartOffset())
	require.Equal(t, int64(40), l.LogEndOffset())
	_, err := l.Read(5, 1024, 40, true)
	require.Equal(t, commitlog.ErrOffsetOutOfRange, err)
	data, err := l.Read(20, 1024, 40, true)
	require.NoError(t, err)
	require.NotEmpty(t, data.Records)
}

func TestHighWatermarkClamped(t *testing.T) {
	l, _ := setup(t)
	_, err := l.Append(msgs("one", "two"))
	require.NoError(t, err)
	l.SetHighWatermark(100)
	require.Equal(t, int64(2), l.HighWatermark())
	l.SetHighWatermark(-5)
	require.Equal(t, int64(0), l.HighWatermark())
	require.Equal(t, l.HighWatermark(), l.LastStableOffset())
}

func TestEpochLineage(t *testing.T) {
	l, _ := setup(t)
	require.NoError(t, l.MaybeAssignEpochStart(1, 0))
	_, err := l.Append(msgs("one", "two"))
	require.NoError(t, err)
	require.NoError(t, l.MaybeAssignEpochStart(3, 2))
	_, err = l.Append(msgs("three"))
	require.NoError(t, err)

	// Epoch older than the lineage.
	epoch, end := l.EndOffsetForEpoch(0)
	require.Equal(t, int32(-1), epoch)
	require.Equal(t, int64(-1), end)

	// Epoch in the middle: end is the next epoch's start.
	epoch, end = l.EndOffsetForEpoch(1)
	require.Equal(t, int32(1), epoch)
	require.Equal(t, int64(2), end)

	// Resolves to the floor epoch.
	epoch, end = l.EndOffsetForEpoch(2)
	require.Equal(t, int32(1), epoch)
	require.Equal(t, int64(2), end)

	// Latest epoch ends at the log end.
	epoch, end = l.EndOffsetForEpoch(3)
	require.Equal(t, int32(3), epoch)
	require.Equal(t, int64(3), end)

	require.Equal(t, int32(3), l.LatestEpoch())

	// Stale epochs are not re-assignable.
	require.NoError(t, l.MaybeAssignEpochStart(2, 3))
	require.Equal(t, int32(3), l.LatestEpoch())
}

func TestBytesBetween(t *testing.T) {
	l, _ := setup(t)
	_, err := l.Append(msgs("aaaa", "bbbb", "cccc"))
	require.NoError(t, err)
	// Each message is 12 bytes of header plus 4 of payload.
	require.Equal(t, int64(16), l.BytesBetween(0, 1))
	require.Equal(t, int64(48), l.BytesBetween(0, 3))
	require.Equal(t, int64(0), l.BytesBetween(2, 2))
}

func TestDelete(t *testing.T) {
	l, dir := setup(t)
	_, err := l.Append(msgs("one"))
	require.NoError(t, err)
	require.NoError(t, l.Delete())
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}
