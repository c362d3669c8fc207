package keg

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/kegstream/keg/keg/structs"
)

const (
	offsetCheckpointVersion = 0

	// HighWatermarkCheckpointFile sits in each log dir and maps every
	// partition rooted there to its last flushed high watermark.
	HighWatermarkCheckpointFile = "replication-offset-checkpoint"
	// LogStartOffsetCheckpointFile does the same for log start offsets so
	// prefix deletes survive a restart.
	LogStartOffsetCheckpointFile = "log-start-offset-checkpoint"
)

// OffsetCheckpoint reads and writes one line-oriented offset file:
//
//	line 1: version
//	line 2: entry count
//	line 3+: "<topic> <partition> <offset>"
//
// Writes go through a temp file and a rename so a crash never leaves a
// half-written checkpoint.
type OffsetCheckpoint struct {
	mu   sync.Mutex
	path string
}

func NewOffsetCheckpoint(path string) *OffsetCheckpoint {
	return &OffsetCheckpoint{path: path}
}

func (c *OffsetCheckpoint) Path() string {
	return c.path
}

func (c *OffsetCheckpoint) Write(offsets map[structs.TopicPartition]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrap(err, "open checkpoint tmp failed")
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n%d\n", offsetCheckpointVersion, len(offsets))
	for tp, offset := range offsets {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, offset)
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "write checkpoint failed")
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync checkpoint failed")
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *OffsetCheckpoint) Read() (map[structs.TopicPartition]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	offsets := make(map[structs.TopicPartition]int64)
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return offsets, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint failed")
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	line := func() (string, error) {
		if !scanner.Scan() {
			return "", errors.New("short checkpoint file")
		}
		return scanner.Text(), nil
	}
	version, err := line()
	if err != nil {
		return nil, err
	}
	if v, err := strconv.Atoi(version); err != nil || v != offsetCheckpointVersion {
		return nil, errors.Errorf("unrecognized checkpoint version: %s", version)
	}
	count, err := line()
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return nil, errors.Wrap(err, "bad checkpoint count")
	}
	for i := 0; i < n; i++ {
		l, err := line()
		if err != nil {
			return nil, err
		}
		parts := strings.Fields(l)
		if len(parts) != 3 {
			return nil, errors.Errorf("bad checkpoint line: %q", l)
		}
		partition, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, err
		}
		offset, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, err
		}
		offsets[structs.TopicPartition{Topic: parts[0], Partition: int32(partition)}] = offset
	}
	return offsets, nil
}

// Delete removes the checkpoint file, e.g. when its dir goes offline.
func (c *OffsetCheckpoint) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
