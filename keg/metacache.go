package keg

import (
	"encoding/binary"
	"fmt"
	"reflect"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

// MetadataCache is this broker's view of cluster metadata: alive brokers,
// topics and partition leadership. The controller refreshes it through
// UpdateMetadata; the replica manager reads it when classifying requests
// and when choosing read replicas. It doubles as the MetadataStore loopback
// for single-node deployments and tests.
type MetadataCache struct {
	brokerID int32
	logger   log.Logger
	db       *memdb.MemDB
}

var _ MetadataStore = (*MetadataCache)(nil)

// deletedLeaderSentinel marks a partition state carried in UpdateMetadata
// for a topic mid-deletion.
const deletedLeaderSentinel int32 = -2

func NewMetadataCache(brokerID int32, logger log.Logger) (*MetadataCache, error) {
	db, err := memdb.NewMemDB(metadataSchema())
	if err != nil {
		return nil, err
	}
	return &MetadataCache{
		brokerID: brokerID,
		logger:   logger.With(log.Int32("broker", brokerID)),
		db:       db,
	}, nil
}

func metadataSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"brokers": {
				Name: "brokers",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &intFieldIndex{Field: "ID"},
					},
				},
			},
			"topics": {
				Name: "topics",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Topic"},
					},
				},
			},
			"partitions": {
				Name: "partitions",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Topic"},
								&intFieldIndex{Field: "Partition"},
							},
						},
					},
					"topic": {
						Name:    "topic",
						Indexer: &memdb.StringFieldIndex{Field: "Topic"},
					},
					"leader": {
						Name:    "leader",
						Indexer: &intFieldIndex{Field: "Leader"},
					},
				},
			},
		},
	}
}

// UpdateMetadata applies a controller metadata refresh: the alive broker
// set is replaced, partition states are upserted, and partitions of topics
// mid-deletion are dropped and returned.
func (c *MetadataCache) UpdateMetadata(correlationID int32, req *protocol.UpdateMetadataRequest) ([]structs.TopicPartition, error) {
	tx := c.db.Txn(true)
	defer tx.Abort()

	if len(req.Brokers) > 0 {
		if _, err := tx.DeleteAll("brokers", "id"); err != nil {
			return nil, errors.Wrap(err, "clearing brokers failed")
		}
		for _, b := range req.Brokers {
			if err := tx.Insert("brokers", &structs.Broker{
				ID:   b.ID,
				Host: b.Host,
				Port: b.Port,
				Rack: b.Rack,
			}); err != nil {
				return nil, errors.Wrap(err, "inserting broker failed")
			}
		}
	}

	var deleted []structs.TopicPartition
	for _, ps := range req.PartitionStates {
		tp := structs.TopicPartition{Topic: ps.Topic, Partition: ps.Partition}
		if ps.Leader == deletedLeaderSentinel {
			if _, err := tx.DeleteAll("partitions", "id", ps.Topic, ps.Partition); err != nil {
				return nil, errors.Wrap(err, "deleting partition failed")
			}
			deleted = append(deleted, tp)
			continue
		}
		if err := tx.Insert("partitions", &structs.Partition{
			ID:              ps.Partition,
			Partition:       ps.Partition,
			Topic:           ps.Topic,
			ISR:             ps.ISR,
			AR:              ps.Replicas,
			Leader:          ps.Leader,
			ControllerEpoch: ps.ControllerEpoch,
			LeaderEpoch:     ps.LeaderEpoch,
		}); err != nil {
			return nil, errors.Wrap(err, "inserting partition failed")
		}
		existing, err := tx.First("topics", "id", ps.Topic)
		if err != nil {
			return nil, errors.Wrap(err, "topic lookup failed")
		}
		var topic *structs.Topic
		if existing != nil {
			old := existing.(*structs.Topic)
			topic = &structs.Topic{
				Topic:    old.Topic,
				Internal: old.Internal,
			}
			topic.Partitions = make(map[int32][]int32, len(old.Partitions)+1)
			for id, ar := range old.Partitions {
				topic.Partitions[id] = ar
			}
		} else {
			topic = &structs.Topic{
				Topic:      ps.Topic,
				Internal:   isInternalTopic(ps.Topic),
				Partitions: make(map[int32][]int32),
			}
		}
		topic.Partitions[ps.Partition] = ps.Replicas
		if err := tx.Insert("topics", topic); err != nil {
			return nil, errors.Wrap(err, "inserting topic failed")
		}
	}

	tx.Commit()
	c.logger.Debug("updated metadata",
		log.Int32("correlation id", correlationID),
		log.Int("partition states", len(req.PartitionStates)),
		log.Int("brokers", len(req.Brokers)))
	return deleted, nil
}

// AliveBrokers returns every broker in the current cluster view.
func (c *MetadataCache) AliveBrokers() []*structs.Broker {
	tx := c.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("brokers", "id")
	if err != nil {
		return nil
	}
	var out []*structs.Broker
	for next := it.Next(); next != nil; next = it.Next() {
		out = append(out, next.(*structs.Broker))
	}
	return out
}

// AliveBroker returns the broker, or nil when it isn't in the view.
func (c *MetadataCache) AliveBroker(id int32) *structs.Broker {
	tx := c.db.Txn(false)
	defer tx.Abort()
	b, err := tx.First("brokers", "id", id)
	if err != nil || b == nil {
		return nil
	}
	return b.(*structs.Broker)
}

// Partition returns the cached partition state, or nil.
func (c *MetadataCache) Partition(tp structs.TopicPartition) *structs.Partition {
	tx := c.db.Txn(false)
	defer tx.Abort()
	p, err := tx.First("partitions", "id", tp.Topic, tp.Partition)
	if err != nil || p == nil {
		return nil
	}
	return p.(*structs.Partition)
}

// Topic returns the cached topic, or nil.
func (c *MetadataCache) Topic(name string) *structs.Topic {
	tx := c.db.Txn(false)
	defer tx.Abort()
	t, err := tx.First("topics", "id", name)
	if err != nil || t == nil {
		return nil
	}
	return t.(*structs.Topic)
}

// Contains reports whether the partition exists in cluster metadata.
func (c *MetadataCache) Contains(tp structs.TopicPartition) bool {
	return c.Partition(tp) != nil
}

// PartitionReplicaEndpoints maps the partition's assigned replicas to their
// endpoints, for replica selection.
func (c *MetadataCache) PartitionReplicaEndpoints(tp structs.TopicPartition) map[int32]*structs.Broker {
	p := c.Partition(tp)
	if p == nil {
		return nil
	}
	out := make(map[int32]*structs.Broker, len(p.AR))
	for _, id := range p.AR {
		if b := c.AliveBroker(id); b != nil {
			out[id] = b
		}
	}
	return out
}

// PropagateIsrChanges applies a coalesced ISR change batch to the cached
// partition rows. In a clustered deployment this is the controller's
// problem; the loopback keeps single-node setups and tests honest.
func (c *MetadataCache) PropagateIsrChanges(payload []byte) error {
	if len(payload) == 0 || structs.MessageType(payload[0]) != structs.IsrChangeRequestType {
		return errors.New("not an isr change payload")
	}
	var req structs.IsrChangeRequest
	if err := structs.Decode(payload[1:], &req); err != nil {
		return errors.Wrap(err, "decoding isr changes failed")
	}
	tx := c.db.Txn(true)
	defer tx.Abort()
	for _, change := range req.Changes {
		existing, err := tx.First("partitions", "id", change.Topic, change.Partition)
		if err != nil {
			return errors.Wrap(err, "partition lookup failed")
		}
		if existing == nil {
			continue
		}
		old := existing.(*structs.Partition)
		if change.LeaderEpoch < old.LeaderEpoch {
			// Stale propagation from a superseded leader.
			continue
		}
		updated := *old
		updated.ISR = change.ISR
		updated.LeaderEpoch = change.LeaderEpoch
		if err := tx.Insert("partitions", &updated); err != nil {
			return errors.Wrap(err, "updating partition failed")
		}
	}
	tx.Commit()
	c.logger.Debug("applied isr changes", log.Int32("from broker", req.BrokerID), log.Int("count", len(req.Changes)))
	return nil
}

// NotifyLogDirFailure records a broker losing a log dir. The cache only
// logs it; a controller would trigger leader elections off it.
func (c *MetadataCache) NotifyLogDirFailure(payload []byte) error {
	if len(payload) == 0 || structs.MessageType(payload[0]) != structs.LogDirFailureRequestType {
		return errors.New("not a log dir failure payload")
	}
	var req structs.LogDirFailureRequest
	if err := structs.Decode(payload[1:], &req); err != nil {
		return errors.Wrap(err, "decoding log dir failure failed")
	}
	c.logger.Info("broker lost a log dir",
		log.Int32("broker", req.BrokerID),
		log.String("dir", req.Dir))
	return nil
}

// intFieldIndex extracts an int field from an object with reflection and
// indexes on it. memdb only ships string indexers.
type intFieldIndex struct {
	Field string
}

func (u *intFieldIndex) FromObject(obj interface{}) (bool, []byte, error) {
	v := reflect.Indirect(reflect.ValueOf(obj))
	fv := v.FieldByName(u.Field)
	if !fv.IsValid() {
		return false, nil, fmt.Errorf("field '%s' for %#v is invalid", u.Field, obj)
	}
	size, ok := isIntKind(fv.Kind())
	if !ok {
		return false, nil, fmt.Errorf("field %q is of type %v; want an int", u.Field, fv.Kind())
	}
	buf := make([]byte, size)
	binary.PutVarint(buf, fv.Int())
	return true, buf, nil
}

func (u *intFieldIndex) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	v := reflect.ValueOf(args[0])
	if !v.IsValid() {
		return nil, fmt.Errorf("%#v is invalid", args[0])
	}
	size, ok := isIntKind(v.Kind())
	if !ok {
		return nil, fmt.Errorf("arg is of type %v; want an int", v.Kind())
	}
	buf := make([]byte, size)
	binary.PutVarint(buf, v.Int())
	return buf, nil
}

func isIntKind(k reflect.Kind) (size int, ok bool) {
	switch k {
	case reflect.Int, reflect.Int64:
		return binary.MaxVarintLen64, true
	case reflect.Int8:
		return 2, true
	case reflect.Int16:
		return binary.MaxVarintLen16, true
	case reflect.Int32:
		return binary.MaxVarintLen32, true
	default:
		return 0, false
	}
}
