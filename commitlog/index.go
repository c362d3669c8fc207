package commitlog

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/tysontate/gommap"
)

var (
	// ErrIndexCorrupt is returned when the index can't serve a lookup and
	// needs to be rebuilt from the log file.
	ErrIndexCorrupt = errors.New("corrupt index file")
)

const (
	offWidth = 4
	posWidth = 4

	entryWidth = offWidth + posWidth
)

// entry maps an offset, relative to the index's base offset, to the byte
// position of its message in the segment's log file.
type entry struct {
	Off int32
	Pos int32
}

// index is an mmap'd file of fixed-width entries. The file is sized up
// front so the mapping never has to grow.
type index struct {
	mu   sync.RWMutex
	mmap gommap.MMap
	file *os.File
	// pos is the byte position of the next write.
	pos     int64
	baseOff int64
}

func newIndex(path string, baseOff int64, maxEntries int64) (*index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "open index file failed")
	}
	if err = f.Truncate(maxEntries * entryWidth); err != nil {
		return nil, errors.Wrap(err, "size index file failed")
	}
	idx := &index{
		file:    f,
		baseOff: baseOff,
	}
	if idx.mmap, err = gommap.Map(
		idx.file.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED,
	); err != nil {
		return nil, errors.Wrap(err, "mmap index file failed")
	}
	return idx, nil
}

// readEntry returns the entry for the given relative offset.
func (idx *index) readEntry(relOff int64) (e entry, err error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pos := relOff * entryWidth
	if pos < 0 || pos+entryWidth > idx.pos {
		return e, ErrIndexCorrupt
	}
	e.Off = int32(Encoding.Uint32(idx.mmap[pos : pos+offWidth]))
	e.Pos = int32(Encoding.Uint32(idx.mmap[pos+offWidth : pos+entryWidth]))
	return e, nil
}

// writeEntry appends the entry for the next offset.
func (idx *index) writeEntry(e entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.pos+entryWidth > int64(len(idx.mmap)) {
		return io.EOF
	}
	Encoding.PutUint32(idx.mmap[idx.pos:idx.pos+offWidth], uint32(e.Off))
	Encoding.PutUint32(idx.mmap[idx.pos+offWidth:idx.pos+entryWidth], uint32(e.Pos))
	idx.pos += entryWidth
	return nil
}

// truncateEntries rewinds the index so it holds the first n entries.
func (idx *index) truncateEntries(n int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pos = n * entryWidth
}

func (idx *index) entries() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.pos / entryWidth
}

func (idx *index) sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.file.Sync(); err != nil {
		return errors.Wrap(err, "index file sync failed")
	}
	if err := idx.mmap.Sync(gommap.MS_SYNC); err != nil {
		return errors.Wrap(err, "index mmap sync failed")
	}
	return nil
}

func (idx *index) close() error {
	if err := idx.sync(); err != nil {
		return err
	}
	return idx.file.Close()
}

func (idx *index) delete() error {
	if err := idx.file.Close(); err != nil {
		return err
	}
	return os.Remove(idx.file.Name())
}
