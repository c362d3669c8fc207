package structs

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"
)

type MessageType uint8

// Message types on the controller boundary. The payloads are msgpack with a
// one byte type prefix so the metadata store can dispatch without decoding.
const (
	IsrChangeRequestType     MessageType = 0
	LogDirFailureRequestType MessageType = 1
)

// TopicPartition identifies a partition of a topic. It is used as a map key
// all over the replica manager, so it stays a small comparable value type.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// IsrChange records one partition's ISR after a shrink or expand, tagged
// with the epochs needed to fence stale propagations.
type IsrChange struct {
	Topic       string
	Partition   int32
	ISR         []int32
	LeaderEpoch int32
	ZKVersion   int32
}

// IsrChangeRequest is the coalesced batch the ISR change tracker propagates
// to the metadata store.
type IsrChangeRequest struct {
	BrokerID int32
	Changes  []IsrChange
}

// LogDirFailureRequest notifies the metadata store that a broker lost one of
// its log directories.
type LogDirFailureRequest struct {
	BrokerID int32
	Dir      string
}

// CacheIndex tracks when a metadata cache entry was created and last
// modified, by metadata update sequence number.
type CacheIndex struct {
	CreateIndex uint64
	ModifyIndex uint64
}

// Broker is a cluster member as seen in cluster metadata.
type Broker struct {
	ID   int32
	Host string
	Port int32
	Rack string

	CacheIndex
}

func (b *Broker) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Topic is a topic as seen in cluster metadata.
type Topic struct {
	// Topic is the name of the topic.
	Topic string
	// Partitions maps partition ids to assigned replica ids.
	Partitions map[int32][]int32
	// Internal marks topics like the consumer offsets topic.
	Internal bool

	CacheIndex
}

// Partition is a partition as seen in cluster metadata.
type Partition struct {
	// ID identifies the partition within its topic and mirrors Partition.
	// The memdb indexes key on Topic and Partition, not on ID.
	ID        int32
	Partition int32
	// Topic is the topic this partition belongs to.
	Topic string
	// ISR is the replica ids currently in sync.
	ISR []int32
	// AR is all assigned replica ids.
	AR []int32
	// Leader is the id of the leader replica.
	Leader int32
	// ControllerEpoch is the epoch of the controller that last changed the
	// leader and ISR.
	ControllerEpoch int32
	LeaderEpoch     int32

	CacheIndex
}

func (p *Partition) TopicPartition() TopicPartition {
	return TopicPartition{Topic: p.Topic, Partition: p.Partition}
}

// msgpackHandle is a shared handle for encoding/decoding of structs.
var msgpackHandle = &codec.MsgpackHandle{}

// Decode decodes a msgpack payload, sans type prefix.
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

// Encode encodes a msgpack payload with a type prefix.
func Encode(t MessageType, msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(t))
	err := codec.NewEncoder(&buf, msgpackHandle).Encode(msg)
	return buf.Bytes(), err
}
