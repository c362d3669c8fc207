package mock

import (
	"sync"
	"time"

	"github.com/kegstream/keg/commitlog"
	"github.com/kegstream/keg/keg"
)

// LogStore is an in-memory keg.LogStore. It speaks the same message set
// framing as the commitlog so leader and follower mocks interoperate, and
// lets tests inject append errors.
type LogStore struct {
	mu sync.RWMutex

	dir         string
	firstOffset int64
	logStart    int64
	hw          int64
	payloads    [][]byte
	times       []time.Time

	epochs []epochEntry

	// AppendErr, when set, fails every append until it is cleared.
	AppendErr error

	closed  bool
	deleted bool
}

type epochEntry struct {
	epoch int32
	start int64
}

var _ keg.LogStore = (*LogStore)(nil)

func NewLogStore(dir string) *LogStore {
	return &LogStore{dir: dir}
}

func (l *LogStore) leo() int64 {
	return l.firstOffset + int64(len(l.payloads))
}

func (l *LogStore) Append(records []byte) (commitlog.AppendInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AppendErr != nil {
		return commitlog.AppendInfo{}, l.AppendErr
	}
	_, payloads, err := commitlog.MessageSet(records).Messages()
	if err != nil {
		return commitlog.AppendInfo{}, err
	}
	now := time.Now()
	first := l.leo()
	for _, p := range payloads {
		l.payloads = append(l.payloads, p)
		l.times = append(l.times, now)
	}
	return commitlog.AppendInfo{
		FirstOffset: first,
		LastOffset:  first + int64(len(payloads)) - 1,
		AppendTime:  now,
		NumMessages: int32(len(payloads)),
	}, nil
}

func (l *LogStore) AppendAsFollower(records []byte) (commitlog.AppendInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AppendErr != nil {
		return commitlog.AppendInfo{}, l.AppendErr
	}
	offsets, payloads, err := commitlog.MessageSet(records).Messages()
	if err != nil {
		return commitlog.AppendInfo{}, err
	}
	if len(offsets) == 0 {
		return commitlog.AppendInfo{}, nil
	}
	if offsets[0] != l.leo() {
		return commitlog.AppendInfo{}, commitlog.ErrCorruptMessageSet
	}
	now := time.Now()
	for _, p := range payloads {
		l.payloads = append(l.payloads, p)
		l.times = append(l.times, now)
	}
	return commitlog.AppendInfo{
		FirstOffset: offsets[0],
		LastOffset:  offsets[len(offsets)-1],
		AppendTime:  now,
		NumMessages: int32(len(offsets)),
	}, nil
}

func (l *LogStore) Read(offset int64, maxBytes int32, upperBound int64, minOneMessage bool) (commitlog.FetchData, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < l.logStart || offset > l.leo() {
		return commitlog.FetchData{}, commitlog.ErrOffsetOutOfRange
	}
	if upperBound > l.leo() {
		upperBound = l.leo()
	}
	if offset >= upperBound {
		return commitlog.FetchData{}, nil
	}
	var picked [][]byte
	budget := int64(maxBytes)
	for cur := offset; cur < upperBound; cur++ {
		p := l.payloads[cur-l.firstOffset]
		size := int64(len(p)) + 12
		if size > budget && !(len(picked) == 0 && minOneMessage) {
			if len(picked) == 0 {
				return commitlog.FetchData{FirstEntryIncomplete: true}, nil
			}
			break
		}
		picked = append(picked, p)
		budget -= size
		if budget <= 0 {
			break
		}
	}
	ms := commitlog.NewMessageSet(picked...)
	if _, _, err := ms.AssignOffsets(offset); err != nil {
		return commitlog.FetchData{}, err
	}
	return commitlog.FetchData{Records: ms}, nil
}

func (l *LogStore) LogStartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logStart
}

func (l *LogStore) SetLogStartOffset(offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset > l.logStart && offset <= l.leo() {
		l.logStart = offset
	}
}

func (l *LogStore) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leo()
}

func (l *LogStore) HighWatermark() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hw
}

func (l *LogStore) SetHighWatermark(hw int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hw < l.logStart {
		hw = l.logStart
	}
	if leo := l.leo(); hw > leo {
		hw = leo
	}
	l.hw = hw
}

func (l *LogStore) LastStableOffset() int64 {
	return l.HighWatermark()
}

func (l *LogStore) Truncate(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset >= l.leo() {
		return nil
	}
	if offset < l.logStart {
		offset = l.logStart
	}
	n := offset - l.firstOffset
	l.payloads = l.payloads[:n]
	l.times = l.times[:n]
	if l.hw > offset {
		l.hw = offset
	}
	var kept []epochEntry
	for _, e := range l.epochs {
		if e.start < offset {
			kept = append(kept, e)
		}
	}
	l.epochs = kept
	return nil
}

func (l *LogStore) TruncateFullyAndStartAt(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payloads = nil
	l.times = nil
	l.firstOffset = offset
	l.logStart = offset
	l.hw = offset
	l.epochs = nil
	return nil
}

func (l *LogStore) DeleteRecordsBefore(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset <= l.logStart {
		return nil
	}
	if offset > l.leo() {
		return commitlog.ErrOffsetOutOfRange
	}
	n := offset - l.firstOffset
	l.payloads = l.payloads[n:]
	l.times = l.times[n:]
	l.firstOffset = offset
	l.logStart = offset
	if l.hw < offset {
		l.hw = offset
	}
	return nil
}

func (l *LogStore) MaybeAssignEpochStart(epoch int32, startOffset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.epochs); n > 0 && epoch <= l.epochs[n-1].epoch {
		return nil
	}
	l.epochs = append(l.epochs, epochEntry{epoch: epoch, start: startOffset})
	return nil
}

func (l *LogStore) EndOffsetForEpoch(epoch int32) (int32, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.epochs) == 0 {
		return -1, -1
	}
	if epoch >= l.epochs[len(l.epochs)-1].epoch {
		return l.epochs[len(l.epochs)-1].epoch, l.leo()
	}
	var found int32 = -1
	var end int64 = -1
	for _, e := range l.epochs {
		if e.epoch > epoch {
			end = e.start
			break
		}
		found = e.epoch
	}
	if found == -1 {
		return -1, -1
	}
	return found, end
}

func (l *LogStore) LatestEpoch() int32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.epochs) == 0 {
		return -1
	}
	return l.epochs[len(l.epochs)-1].epoch
}

func (l *LogStore) OffsetForTimestamp(timestamp int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch timestamp {
	case -1:
		return l.leo(), nil
	case -2:
		return l.logStart, nil
	}
	for i, ts := range l.times {
		if ts.UnixNano()/int64(time.Millisecond) >= timestamp {
			return l.firstOffset + int64(i), nil
		}
	}
	return -1, nil
}

func (l *LogStore) BytesBetween(from, to int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < l.firstOffset {
		from = l.firstOffset
	}
	if to > l.leo() {
		to = l.leo()
	}
	var total int64
	for cur := from; cur < to; cur++ {
		total += int64(len(l.payloads[cur-l.firstOffset])) + 12
	}
	return total
}

func (l *LogStore) Size() int64 {
	return l.BytesBetween(l.LogStartOffset(), l.LogEndOffset())
}

func (l *LogStore) Dir() string {
	return l.dir
}

func (l *LogStore) Sync() error { return nil }

func (l *LogStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *LogStore) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.deleted = true
	return nil
}

// Deleted reports whether Delete ran.
func (l *LogStore) Deleted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deleted
}

// Payloads snapshots the stored message payloads.
func (l *LogStore) Payloads() [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([][]byte, len(l.payloads))
	copy(out, l.payloads)
	return out
}
