package commitlog

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

const (
	epochCheckpointFile = "leader-epoch-checkpoint"
)

// AppendInfo describes what an append did to the log.
type AppendInfo struct {
	FirstOffset int64
	LastOffset  int64
	AppendTime  time.Time
	NumMessages int32
}

// FetchData is a slice of the log returned by Read.
type FetchData struct {
	Records []byte
	// FirstEntryIncomplete is set when the first message at the fetch
	// offset did not fit the byte limit and minOneMessage was false.
	FirstEntryIncomplete bool
}

// Log is the file-backed store for a single partition: a list of segments
// plus the leader epoch lineage. The replica manager drives the high
// watermark and the log start offset; the log only keeps them consistent
// with its own end.
type Log struct {
	mu sync.RWMutex

	dir    string
	config Config

	segments      []*segment
	activeSegment *segment

	logStartOffset int64
	highWatermark  int64

	epochs *epochCache
}

type Config struct {
	// MaxSegmentBytes is the number of bytes a segment may reach before a
	// new one is rolled.
	MaxSegmentBytes int64
	// MaxIndexEntries bounds the offsets one segment can hold.
	MaxIndexEntries int64
}

func New(dir string, c Config) (*Log, error) {
	if dir == "" {
		return nil, errors.New("dir is empty")
	}
	if c.MaxSegmentBytes == 0 {
		c.MaxSegmentBytes = 1073741824
	}
	if c.MaxIndexEntries == 0 {
		c.MaxIndexEntries = 1310720
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "mkdir failed")
	}
	l := &Log{
		dir:    dir,
		config: c,
	}
	var err error
	if l.epochs, err = newEpochCache(filepath.Join(dir, epochCheckpointFile)); err != nil {
		return nil, err
	}
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read dir failed")
	}
	var baseOffsets []int64
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), logFileSuffix) {
			continue
		}
		off, err := strconv.ParseInt(strings.TrimSuffix(file.Name(), logFileSuffix), 10, 64)
		if err != nil {
			continue
		}
		baseOffsets = append(baseOffsets, off)
	}
	sort.Slice(baseOffsets, func(i, j int) bool { return baseOffsets[i] < baseOffsets[j] })
	for _, off := range baseOffsets {
		s, err := newSegment(dir, off, c.MaxSegmentBytes, c.MaxIndexEntries)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, s)
	}
	if l.segments == nil {
		s, err := newSegment(dir, 0, c.MaxSegmentBytes, c.MaxIndexEntries)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, s)
	}
	l.activeSegment = l.segments[len(l.segments)-1]
	l.logStartOffset = l.segments[0].baseOffset
	l.highWatermark = l.logStartOffset
	return l, nil
}

// Append assigns consecutive offsets to the message set and writes it to
// the active segment, rolling first if the segment is full.
func (l *Log) Append(records []byte) (AppendInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ms := MessageSet(records)
	if l.activeSegment.isFull() {
		if err := l.roll(); err != nil {
			return AppendInfo{}, err
		}
	}
	now := time.Now()
	first := l.activeSegment.nextOffset
	last, count, err := ms.AssignOffsets(first)
	if err != nil {
		return AppendInfo{}, err
	}
	if count == 0 {
		return AppendInfo{FirstOffset: first, LastOffset: first - 1, AppendTime: now}, nil
	}
	if err := l.activeSegment.append(ms, now); err != nil {
		return AppendInfo{}, err
	}
	return AppendInfo{
		FirstOffset: first,
		LastOffset:  last,
		AppendTime:  now,
		NumMessages: count,
	}, nil
}

// AppendAsFollower writes a message set whose offsets were assigned by the
// leader. The first offset must line up with the local log end.
func (l *Log) AppendAsFollower(records []byte) (AppendInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ms := MessageSet(records)
	offsets, _, err := ms.Messages()
	if err != nil {
		return AppendInfo{}, err
	}
	if len(offsets) == 0 {
		return AppendInfo{}, nil
	}
	leo := l.activeSegment.nextOffset
	if offsets[0] != leo {
		return AppendInfo{}, errors.Errorf("append out of order: expected offset %d, got %d", leo, offsets[0])
	}
	if l.activeSegment.isFull() {
		if err := l.roll(); err != nil {
			return AppendInfo{}, err
		}
	}
	now := time.Now()
	if err := l.activeSegment.append(ms, now); err != nil {
		return AppendInfo{}, err
	}
	return AppendInfo{
		FirstOffset: offsets[0],
		LastOffset:  offsets[len(offsets)-1],
		AppendTime:  now,
		NumMessages: int32(len(offsets)),
	}, nil
}

func (l *Log) roll() error {
	s, err := newSegment(l.dir, l.activeSegment.nextOffset, l.config.MaxSegmentBytes, l.config.MaxIndexEntries)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	l.activeSegment = s
	return nil
}

// Read returns whole messages from offset up to, but excluding, upperBound,
// within maxBytes. With minOneMessage the first message is returned even if
// it alone exceeds the limit.
func (l *Log) Read(offset int64, maxBytes int32, upperBound int64, minOneMessage bool) (FetchData, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	leo := l.activeSegment.nextOffset
	if offset < l.logStartOffset || offset > leo {
		return FetchData{}, ErrOffsetOutOfRange
	}
	if upperBound > leo {
		upperBound = leo
	}
	if offset >= upperBound {
		return FetchData{}, nil
	}
	var out []byte
	budget := int64(maxBytes)
	cur := offset
	first := true
	for cur < upperBound {
		seg := l.findSegment(cur)
		if seg == nil {
			return FetchData{}, ErrSegmentNotFound
		}
		start, err := seg.findPosition(cur)
		if err != nil {
			return FetchData{}, err
		}
		// Walk the headers to find how many whole messages fit.
		pos := start
		header := make([]byte, msgHeaderLen)
		for cur < upperBound {
			if n, err := seg.readAt(header, pos); err != nil || n < msgHeaderLen {
				break
			}
			size := int64(Encoding.Uint32(header[sizePos : sizePos+4]))
			total := msgHeaderLen + size
			if total > budget && !(first && minOneMessage) {
				if first {
					return FetchData{FirstEntryIncomplete: true}, nil
				}
				cur = upperBound
				break
			}
			pos += total
			budget -= total
			cur++
			first = false
			if budget <= 0 {
				cur = upperBound
				break
			}
		}
		if pos == start {
			break
		}
		chunk := make([]byte, pos-start)
		if _, err := seg.readAt(chunk, start); err != nil {
			return FetchData{}, errors.Wrap(err, "log read failed")
		}
		out = append(out, chunk...)
	}
	return FetchData{Records: out}, nil
}

// findSegment returns the newest segment whose base offset is at or below
// offset. Callers hold l.mu.
func (l *Log) findSegment(offset int64) *segment {
	idx := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].baseOffset > offset
	}) - 1
	if idx < 0 {
		return nil
	}
	return l.segments[idx]
}

// Truncate discards every message at or above offset, segment by segment.
func (l *Log) Truncate(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset >= l.activeSegment.nextOffset {
		return nil
	}
	if offset < l.logStartOffset {
		offset = l.logStartOffset
	}
	var kept []*segment
	for _, s := range l.segments {
		if s.baseOffset >= offset && s.baseOffset > l.logStartOffset {
			if err := s.delete(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, s)
	}
	l.segments = kept
	if l.segments == nil {
		s, err := newSegment(l.dir, offset, l.config.MaxSegmentBytes, l.config.MaxIndexEntries)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, s)
	}
	l.activeSegment = l.segments[len(l.segments)-1]
	if err := l.activeSegment.truncateTo(offset); err != nil {
		return err
	}
	if l.highWatermark > offset {
		l.highWatermark = offset
	}
	return l.epochs.truncateFrom(offset)
}

// TruncateFullyAndStartAt throws the whole log away and restarts it at the
// given offset, e.g. when the leader has already deleted everything this
// follower holds.
func (l *Log) TruncateFullyAndStartAt(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.delete(); err != nil {
			return err
		}
	}
	s, err := newSegment(l.dir, offset, l.config.MaxSegmentBytes, l.config.MaxIndexEntries)
	if err != nil {
		return err
	}
	l.segments = []*segment{s}
	l.activeSegment = s
	l.logStartOffset = offset
	l.highWatermark = offset
	return l.epochs.truncateFrom(offset)
}

// DeleteRecordsBefore advances the log start offset and drops any segment
// that now lies entirely below it.
func (l *Log) DeleteRecordsBefore(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset <= l.logStartOffset {
		return nil
	}
	if offset > l.activeSegment.nextOffset {
		return ErrOffsetOutOfRange
	}
	l.logStartOffset = offset
	for len(l.segments) > 1 && l.segments[1].baseOffset <= offset {
		if err := l.segments[0].delete(); err != nil {
			return err
		}
		l.segments = l.segments[1:]
	}
	return nil
}

func (l *Log) LogStartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logStartOffset
}

// SetLogStartOffset restores a checkpointed start offset. Only an offset
// above the current start and at or below the log end is taken; any other
// value is ignored.
func (l *Log) SetLogStartOffset(offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset > l.logStartOffset && offset <= l.activeSegment.nextOffset {
		l.logStartOffset = offset
	}
}

func (l *Log) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.nextOffset
}

func (l *Log) HighWatermark() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.highWatermark
}

// SetHighWatermark records the manager-driven high watermark, clamped to
// [logStartOffset, logEndOffset].
func (l *Log) SetHighWatermark(hw int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hw < l.logStartOffset {
		hw = l.logStartOffset
	}
	if leo := l.activeSegment.nextOffset; hw > leo {
		hw = leo
	}
	l.highWatermark = hw
}

// LastStableOffset equals the high watermark while the log holds no open
// transactions.
func (l *Log) LastStableOffset() int64 {
	return l.HighWatermark()
}

// MaybeAssignEpochStart records that epoch begins at startOffset, if newer
// than the latest recorded epoch.
func (l *Log) MaybeAssignEpochStart(epoch int32, startOffset int64) error {
	return l.epochs.maybeAssign(epoch, startOffset)
}

// EndOffsetForEpoch resolves the requested epoch against the leader epoch
// lineage. See epochCache.endOffsetFor.
func (l *Log) EndOffsetForEpoch(epoch int32) (int32, int64) {
	return l.epochs.endOffsetFor(epoch, l.LogEndOffset())
}

func (l *Log) LatestEpoch() int32 {
	return l.epochs.latestEpoch()
}

// OffsetForTimestamp returns the earliest offset whose segment may contain
// messages at or after the timestamp, or the sentinels' answers.
func (l *Log) OffsetForTimestamp(timestamp int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch timestamp {
	case -1:
		return l.activeSegment.nextOffset, nil
	case -2:
		return l.logStartOffset, nil
	}
	for _, s := range l.segments {
		if !s.maxTimestamp.IsZero() && s.maxTimestamp.UnixNano()/int64(time.Millisecond) >= timestamp {
			if s.baseOffset < l.logStartOffset {
				return l.logStartOffset, nil
			}
			return s.baseOffset, nil
		}
	}
	return -1, nil
}

// BytesBetween is the byte distance from one offset to another, clamped to
// the log's bounds. Used to size long-poll fetches without reading data.
func (l *Log) BytesBetween(from, to int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if to <= from {
		return 0
	}
	position := func(offset int64) int64 {
		var total int64
		for _, s := range l.segments {
			if offset >= s.nextOffset {
				total += s.size()
				continue
			}
			if offset < s.baseOffset {
				break
			}
			if pos, err := s.findPosition(offset); err == nil {
				total += pos
			}
			break
		}
		return total
	}
	return position(to) - position(from)
}

// Size is the on-disk byte size of all segments.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var size int64
	for _, s := range l.segments {
		size += s.size()
	}
	return size
}

func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.close(); err != nil {
			return err
		}
	}
	return nil
}

// Delete closes the log and removes its directory.
func (l *Log) Delete() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}
