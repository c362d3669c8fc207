package commitlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const epochCheckpointVersion = 0

// EpochEntry records the first offset produced under a leader epoch.
type EpochEntry struct {
	Epoch       int32
	StartOffset int64
}

// epochCache is the leader epoch lineage of one partition's log, persisted
// next to the segments so followers can reconcile after a restart. Entries
// are strictly increasing in epoch; maybeAssign does not check start
// offsets, so consecutive entries can share one.
type epochCache struct {
	mu      sync.RWMutex
	path    string
	entries []EpochEntry
}

func newEpochCache(path string) (*epochCache, error) {
	c := &epochCache{path: path}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open epoch checkpoint failed")
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	line := func() (string, error) {
		if !scanner.Scan() {
			return "", errors.New("short epoch checkpoint")
		}
		return scanner.Text(), nil
	}
	version, err := line()
	if err != nil {
		return nil, err
	}
	if v, err := strconv.Atoi(version); err != nil || v != epochCheckpointVersion {
		return nil, errors.Errorf("unrecognized epoch checkpoint version: %s", version)
	}
	count, err := line()
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return nil, errors.Wrap(err, "bad epoch checkpoint count")
	}
	for i := 0; i < n; i++ {
		l, err := line()
		if err != nil {
			return nil, err
		}
		parts := strings.Fields(l)
		if len(parts) != 2 {
			return nil, errors.Errorf("bad epoch checkpoint line: %q", l)
		}
		epoch, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			return nil, err
		}
		start, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, err
		}
		c.entries = append(c.entries, EpochEntry{Epoch: int32(epoch), StartOffset: start})
	}
	return c, nil
}

// maybeAssign appends a new epoch entry when the epoch is newer than the
// last recorded one.
func (c *epochCache) maybeAssign(epoch int32, startOffset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.entries); n > 0 && epoch <= c.entries[n-1].Epoch {
		return nil
	}
	c.entries = append(c.entries, EpochEntry{Epoch: epoch, StartOffset: startOffset})
	return c.flush()
}

// endOffsetFor resolves the requested epoch against the lineage: the end
// offset of an epoch is the start offset of the next one, or the log end
// for the latest. Returns (-1, -1) when the epoch predates the lineage.
func (c *epochCache) endOffsetFor(requested int32, logEndOffset int64) (int32, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return -1, -1
	}
	if requested >= c.entries[len(c.entries)-1].Epoch {
		return c.entries[len(c.entries)-1].Epoch, logEndOffset
	}
	var epoch int32 = -1
	var endOffset int64 = -1
	for _, e := range c.entries {
		if e.Epoch > requested {
			endOffset = e.StartOffset
			break
		}
		epoch = e.Epoch
	}
	if epoch == -1 {
		return -1, -1
	}
	return epoch, endOffset
}

// truncateFrom drops entries whose start offset is at or beyond the given
// offset, after the log itself was truncated there.
func (c *epochCache) truncateFrom(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	for n > 0 && c.entries[n-1].StartOffset >= offset {
		n--
	}
	if n == len(c.entries) {
		return nil
	}
	c.entries = c.entries[:n]
	return c.flush()
}

// latestEpoch returns the newest epoch in the lineage, or -1.
func (c *epochCache) latestEpoch() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return -1
	}
	return c.entries[len(c.entries)-1].Epoch
}

// flush writes the checkpoint atomically: temp file then rename. Callers
// hold c.mu.
func (c *epochCache) flush() error {
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrap(err, "open epoch checkpoint tmp failed")
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n%d\n", epochCheckpointVersion, len(c.entries))
	for _, e := range c.entries {
		fmt.Fprintf(w, "%d %d\n", e.Epoch, e.StartOffset)
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "write epoch checkpoint failed")
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync epoch checkpoint failed")
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
