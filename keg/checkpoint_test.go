package keg_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kegstream/keg/keg"
	"github.com/kegstream/keg/keg/structs"
)

func TestOffsetCheckpointRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "checkpoint-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := keg.NewOffsetCheckpoint(filepath.Join(dir, keg.HighWatermarkCheckpointFile))
	offsets := map[structs.TopicPartition]int64{
		{Topic: "test", Partition: 0}:  42,
		{Topic: "test", Partition: 1}:  0,
		{Topic: "other", Partition: 7}: 123456789,
	}
	require.NoError(t, c.Write(offsets))

	read, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, offsets, read)
}

func TestOffsetCheckpointMissingFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "checkpoint-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := keg.NewOffsetCheckpoint(filepath.Join(dir, "missing"))
	read, err := c.Read()
	require.NoError(t, err)
	require.Empty(t, read)
	require.NoError(t, c.Delete())
}

func TestOffsetCheckpointFileFormat(t *testing.T) {
	dir, err := ioutil.TempDir("", "checkpoint-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, keg.HighWatermarkCheckpointFile)
	c := keg.NewOffsetCheckpoint(path)
	require.NoError(t, c.Write(map[structs.TopicPartition]int64{
		{Topic: "test", Partition: 0}: 5,
	}))

	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "0\n1\ntest 0 5\n", string(raw))
}

func TestOffsetCheckpointRejectsBadVersion(t *testing.T) {
	dir, err := ioutil.TempDir("", "checkpoint-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "bad")
	require.NoError(t, ioutil.WriteFile(path, []byte("9\n0\n"), 0666))
	_, err = keg.NewOffsetCheckpoint(path).Read()
	require.Error(t, err)
}
