package commitlog

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	Encoding = binary.BigEndian

	ErrCorruptMessageSet = errors.New("corrupt message set")
)

const (
	offsetPos    = 0
	sizePos      = 8
	msgHeaderLen = 12
)

// MessageSet is the byte framing appended to and read from the log: a
// sequence of messages, each [offset:8][size:4][payload:size]. Offsets are
// assigned by the log on append; producers leave them zero.
type MessageSet []byte

// NewMessageSet frames the given payloads into a message set with
// unassigned offsets.
func NewMessageSet(payloads ...[]byte) MessageSet {
	var ms []byte
	for _, p := range payloads {
		header := make([]byte, msgHeaderLen)
		Encoding.PutUint32(header[sizePos:sizePos+4], uint32(len(p)))
		ms = append(ms, header...)
		ms = append(ms, p...)
	}
	return ms
}

// AssignOffsets rewrites the offset field of every message, consecutively
// from base. Returns the last offset assigned and the message count.
func (ms MessageSet) AssignOffsets(base int64) (lastOffset int64, count int32, err error) {
	offset := base
	err = ms.scan(func(pos int64, _ int64, _ []byte) error {
		Encoding.PutUint64(ms[pos+offsetPos:pos+offsetPos+8], uint64(offset))
		lastOffset = offset
		offset++
		count++
		return nil
	})
	return lastOffset, count, err
}

// Messages returns the framed payloads along with their offsets.
func (ms MessageSet) Messages() (offsets []int64, payloads [][]byte, err error) {
	err = ms.scan(func(_ int64, offset int64, payload []byte) error {
		offsets = append(offsets, offset)
		payloads = append(payloads, payload)
		return nil
	})
	return offsets, payloads, err
}

func (ms MessageSet) scan(fn func(pos int64, offset int64, payload []byte) error) error {
	var pos int64
	for pos < int64(len(ms)) {
		if pos+msgHeaderLen > int64(len(ms)) {
			return ErrCorruptMessageSet
		}
		offset := int64(Encoding.Uint64(ms[pos+offsetPos : pos+offsetPos+8]))
		size := int64(Encoding.Uint32(ms[pos+sizePos : pos+sizePos+4]))
		if pos+msgHeaderLen+size > int64(len(ms)) {
			return ErrCorruptMessageSet
		}
		if err := fn(pos, offset, ms[pos+msgHeaderLen:pos+msgHeaderLen+size]); err != nil {
			return err
		}
		pos += msgHeaderLen + size
	}
	return nil
}
