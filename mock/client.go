package mock

import (
	"strconv"
	"sync"

	"github.com/kegstream/keg/commitlog"
	"github.com/kegstream/keg/protocol"
)

// FetchClient is a scripted leader for fetcher tests: it serves a fixed
// number of generated messages, one per fetch, then empty responses.
type FetchClient struct {
	mu sync.Mutex

	msgCount int
	msgs     [][]byte

	// HighWatermark and LogStartOffset are stamped on every partition
	// response.
	HighWatermark  int64
	LogStartOffset int64
	// ErrorCode, when nonzero, fails every partition response with it.
	ErrorCode int16
	// EpochEndOffsets answers EndOffsetForEpoch, keyed by requested epoch.
	EpochEndOffsets map[int32]*protocol.EpochEndOffset

	closed bool
}

// NewFetchClient is a client that serves the given number of messages.
func NewFetchClient(msgCount int) *FetchClient {
	return &FetchClient{
		msgCount:        msgCount,
		EpochEndOffsets: make(map[int32]*protocol.EpochEndOffset),
	}
}

// Messages returns what the client has served so far.
func (c *FetchClient) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *FetchClient) Fetch(clientID string, req *protocol.FetchRequest) (*protocol.FetchResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := &protocol.FetchResponse{}
	for _, topic := range req.Topics {
		tres := &protocol.FetchTopicResponse{Topic: topic.Topic}
		for _, fp := range topic.Partitions {
			pres := &protocol.FetchPartitionResponse{
				Partition:            fp.Partition,
				HighWatermark:        c.HighWatermark,
				LogStartOffset:       c.LogStartOffset,
				PreferredReadReplica: -1,
			}
			if c.ErrorCode != 0 {
				pres.ErrorCode = c.ErrorCode
			} else if len(c.msgs) < c.msgCount {
				payload := []byte("msg " + strconv.Itoa(len(c.msgs)))
				ms := commitlog.NewMessageSet(payload)
				if _, _, err := ms.AssignOffsets(fp.FetchOffset); err != nil {
					return nil, err
				}
				pres.RecordSet = ms
				c.msgs = append(c.msgs, payload)
			}
			tres.PartitionResponses = append(tres.PartitionResponses, pres)
		}
		res.Responses = append(res.Responses, tres)
	}
	return res, nil
}

func (c *FetchClient) EndOffsetForEpoch(clientID string, topic string, partition int32, leaderEpoch int32) (*protocol.EpochEndOffset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.EpochEndOffsets[leaderEpoch]; ok {
		return res, nil
	}
	return &protocol.EpochEndOffset{Partition: partition, LeaderEpoch: -1, EndOffset: -1}, nil
}

func (c *FetchClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close ran.
func (c *FetchClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
