package commitlog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/commitlog"
)

func TestMessageSetAssignOffsets(t *testing.T) {
	ms := commitlog.NewMessageSet([]byte("a"), []byte("bb"), []byte("ccc"))
	last, count, err := ms.AssignOffsets(7)
	require.NoError(t, err)
	require.Equal(t, int64(9), last)
	require.Equal(t, int32(3), count)

	offsets, payloads, err := ms.Messages()
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8, 9}, offsets)
	require.Equal(t, "bb", string(payloads[1]))
}

func TestMessageSetCorrupt(t *testing.T) {
	ms := commitlog.MessageSet([]byte{0, 1, 2})
	_, _, err := ms.Messages()
	require.Equal(t, commitlog.ErrCorruptMessageSet, err)
}
