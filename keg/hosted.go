package keg

import (
	"sync"

	"github.com/kegstream/keg/keg/structs"
)

// Hosted is the sealed variant a topic-partition maps to: not hosted here,
// online with live state, or offline after a dir failure. Offline is a
// distinct state, not a nil partition.
type Hosted interface {
	isHosted()
}

type HostedNone struct{}

type HostedOnline struct {
	Partition *Partition
}

type HostedOffline struct{}

func (HostedNone) isHosted()    {}
func (HostedOnline) isHosted()  {}
func (HostedOffline) isHosted() {}

// hostedMap is the process-wide topic-partition table. Reads are lock-free;
// insertions and removals happen under the manager's state-change lock.
type hostedMap struct {
	m sync.Map // structs.TopicPartition -> Hosted
}

func newHostedMap() *hostedMap {
	return &hostedMap{}
}

func (h *hostedMap) Get(tp structs.TopicPartition) Hosted {
	v, ok := h.m.Load(tp)
	if !ok {
		return HostedNone{}
	}
	return v.(Hosted)
}

// Online returns the live partition, or false for None and Offline.
func (h *hostedMap) Online(tp structs.TopicPartition) (*Partition, bool) {
	if v, ok := h.Get(tp).(HostedOnline); ok {
		return v.Partition, true
	}
	return nil, false
}

func (h *hostedMap) PutOnline(tp structs.TopicPartition, p *Partition) {
	h.m.Store(tp, HostedOnline{Partition: p})
}

func (h *hostedMap) PutOffline(tp structs.TopicPartition) {
	h.m.Store(tp, HostedOffline{})
}

func (h *hostedMap) Remove(tp structs.TopicPartition) {
	h.m.Delete(tp)
}

// OnlinePartitions snapshots every online partition.
func (h *hostedMap) OnlinePartitions() []*Partition {
	var out []*Partition
	h.m.Range(func(_, v interface{}) bool {
		if o, ok := v.(HostedOnline); ok {
			out = append(out, o.Partition)
		}
		return true
	})
	return out
}

// OfflinePartitions snapshots every offline topic-partition.
func (h *hostedMap) OfflinePartitions() []structs.TopicPartition {
	var out []structs.TopicPartition
	h.m.Range(func(k, v interface{}) bool {
		if _, ok := v.(HostedOffline); ok {
			out = append(out, k.(structs.TopicPartition))
		}
		return true
	})
	return out
}
