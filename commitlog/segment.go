package commitlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	fileFormat      = "%020d%s"
	logFileSuffix   = ".log"
	indexFileSuffix = ".index"
)

var (
	ErrSegmentNotFound = errors.New("segment not found")
)

// segment is one log file plus its offset index. Writes only ever go to the
// newest segment; older segments are immutable until truncated or deleted.
type segment struct {
	mu sync.RWMutex

	log   *os.File
	index *index

	baseOffset int64
	nextOffset int64
	// position is the byte position of the next write in the log file.
	position int64
	// maxTimestamp is the append time of the newest message set.
	maxTimestamp time.Time

	maxBytes int64
	dir      string
}

func newSegment(dir string, baseOffset, maxBytes, maxIndexEntries int64) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		nextOffset: baseOffset,
		maxBytes:   maxBytes,
		dir:        dir,
	}
	f, err := os.OpenFile(s.logPath(), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "open log file failed")
	}
	s.log = f
	if s.index, err = newIndex(s.indexPath(), baseOffset, maxIndexEntries); err != nil {
		return nil, err
	}
	if err = s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *segment) logPath() string {
	return filepath.Join(s.dir, fmt.Sprintf(fileFormat, s.baseOffset, logFileSuffix))
}

func (s *segment) indexPath() string {
	return filepath.Join(s.dir, fmt.Sprintf(fileFormat, s.baseOffset, indexFileSuffix))
}

// rebuildIndex scans the log file from the start and rewrites the index.
// The log file, not the index, is the source of truth after a crash.
func (s *segment) rebuildIndex() error {
	s.index.truncateEntries(0)
	fi, err := s.log.Stat()
	if err != nil {
		return errors.Wrap(err, "stat log failed")
	}
	fileSize := fi.Size()
	header := make([]byte, msgHeaderLen)
	var position int64
	nextOffset := s.baseOffset
	for {
		n, err := s.log.ReadAt(header, position)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "log scan failed")
		}
		if n < msgHeaderLen {
			// A torn write at the tail. Drop it.
			break
		}
		size := int64(Encoding.Uint32(header[sizePos : sizePos+4]))
		if position+msgHeaderLen+size > fileSize {
			// Header landed but the payload didn't. Drop it.
			break
		}
		if err := s.index.writeEntry(entry{
			Off: int32(nextOffset - s.baseOffset),
			Pos: int32(position),
		}); err != nil {
			return err
		}
		nextOffset++
		position += msgHeaderLen + size
	}
	s.nextOffset = nextOffset
	s.position = position
	if err := s.log.Truncate(position); err != nil {
		return errors.Wrap(err, "trim torn tail failed")
	}
	return nil
}

// append writes the message set, whose offsets must already be assigned
// starting at s.nextOffset, and indexes each message.
func (s *segment) append(ms MessageSet, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	position := s.position
	var entries []entry
	err := ms.scan(func(pos int64, offset int64, payload []byte) error {
		entries = append(entries, entry{
			Off: int32(offset - s.baseOffset),
			Pos: int32(position + pos),
		})
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := s.log.WriteAt(ms, position); err != nil {
		return errors.Wrap(err, "log write failed")
	}
	for _, e := range entries {
		if err := s.index.writeEntry(e); err != nil {
			return err
		}
	}
	s.position += int64(len(ms))
	s.nextOffset += int64(len(entries))
	s.maxTimestamp = now
	return nil
}

// findPosition returns the byte position of the message at the given
// absolute offset.
func (s *segment) findPosition(offset int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.index.readEntry(offset - s.baseOffset)
	if err != nil {
		return 0, err
	}
	return int64(e.Pos), nil
}

// readAt fills p from the log file starting at position.
func (s *segment) readAt(p []byte, position int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.ReadAt(p, position)
}

// truncateTo discards every message at or above offset.
func (s *segment) truncateTo(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= s.nextOffset {
		return nil
	}
	e, err := s.index.readEntry(offset - s.baseOffset)
	if err != nil {
		return err
	}
	if err := s.log.Truncate(int64(e.Pos)); err != nil {
		return errors.Wrap(err, "log truncate failed")
	}
	s.index.truncateEntries(offset - s.baseOffset)
	s.position = int64(e.Pos)
	s.nextOffset = offset
	return nil
}

func (s *segment) isFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position >= s.maxBytes
}

func (s *segment) size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

func (s *segment) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Sync(); err != nil {
		return errors.Wrap(err, "log file sync failed")
	}
	return s.index.sync()
}

func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Close(); err != nil {
		return err
	}
	return s.index.close()
}

func (s *segment) delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.logPath()); err != nil {
		return err
	}
	return s.index.delete()
}
