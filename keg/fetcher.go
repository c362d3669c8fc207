package keg

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	uuid "github.com/satori/go.uuid"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

// InitialFetchState seeds a partition onto a fetcher: which broker leads
// it, at which epoch, and where to start fetching.
type InitialFetchState struct {
	Leader      int32
	LeaderEpoch int32
	FetchOffset int64
}

// FetchClientFactory dials a broker for replication fetches.
type FetchClientFactory func(broker *structs.Broker) (FetchClient, error)

type partitionFetchState struct {
	fetchOffset int64
	leaderEpoch int32
	// paused marks a partition fenced until the next directive.
	paused bool
}

// FetcherManager owns one long-lived fetcher per source broker and moves
// partitions between them as leadership moves. A second instance, flagged
// future, replicates partitions between log dirs on this broker.
type FetcherManager struct {
	name    string
	rm      *ReplicaManager
	factory FetchClientFactory
	future  bool
	logger  log.Logger

	mu       sync.Mutex
	fetchers map[int32]*fetcher
}

func newFetcherManager(name string, rm *ReplicaManager, factory FetchClientFactory, future bool) *FetcherManager {
	return &FetcherManager{
		name:     name,
		rm:       rm,
		factory:  factory,
		future:   future,
		logger:   rm.logger.With(log.String("fetcher manager", name)),
		fetchers: make(map[int32]*fetcher),
	}
}

// AddFetcherForPartitions assigns each partition to the fetcher bound to
// its leader, creating the fetcher if this is the first partition from
// that leader.
func (m *FetcherManager) AddFetcherForPartitions(states map[structs.TopicPartition]InitialFetchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tp, st := range states {
		f, ok := m.fetchers[st.Leader]
		if !ok {
			var broker *structs.Broker
			if !m.future {
				broker = m.rm.metadata.AliveBroker(st.Leader)
				if broker == nil {
					m.logger.Info("leader not in metadata, not starting fetcher",
						log.Int32("leader", st.Leader),
						log.String("partition", tp.String()))
					continue
				}
			}
			client, err := m.factory(broker)
			if err != nil {
				return err
			}
			f = newFetcher(m.rm, st.Leader, client, m.future)
			m.fetchers[st.Leader] = f
			f.start()
		}
		f.addPartition(tp, st)
	}
	return nil
}

// RemoveFetcherForPartitions detaches the partitions from whichever
// fetchers hold them.
func (m *FetcherManager) RemoveFetcherForPartitions(tps []structs.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.fetchers {
		f.removePartitions(tps)
	}
}

// ShutdownIdleFetchers reaps fetchers that lost their last partition. The
// close happens outside the manager lock; a closing worker may be stuck
// behind the state-change lock and must not hold up other callers.
func (m *FetcherManager) ShutdownIdleFetchers() {
	var idle []*fetcher
	m.mu.Lock()
	for id, f := range m.fetchers {
		if f.partitionCount() == 0 {
			idle = append(idle, f)
			delete(m.fetchers, id)
		}
	}
	m.mu.Unlock()
	for _, f := range idle {
		f.close()
	}
}

func (m *FetcherManager) CloseAll() {
	var all []*fetcher
	m.mu.Lock()
	for id, f := range m.fetchers {
		all = append(all, f)
		delete(m.fetchers, id)
	}
	m.mu.Unlock()
	for _, f := range all {
		f.close()
	}
}

// fetcher is one worker bound to one source broker. Its loop builds a
// multi-partition fetch, applies the responses, and keeps the partition
// fetch offsets moving. Within a partition, appends happen strictly in
// offset order; across partitions there is no ordering.
type fetcher struct {
	rm           *ReplicaManager
	sourceBroker int32
	client       FetchClient
	clientID     string
	future       bool
	logger       log.Logger

	mu         sync.Mutex
	partitions map[structs.TopicPartition]*partitionFetchState

	done chan struct{}
	wg   sync.WaitGroup
}

func newFetcher(rm *ReplicaManager, sourceBroker int32, client FetchClient, future bool) *fetcher {
	return &fetcher{
		rm:           rm,
		sourceBroker: sourceBroker,
		client:       client,
		clientID:     fmt.Sprintf("fetcher-%d-%s", rm.config.ID, uuid.NewV1().String()),
		future:       future,
		logger: rm.logger.With(
			log.Int32("source broker", sourceBroker),
			log.Bool("future", future),
		),
		partitions: make(map[structs.TopicPartition]*partitionFetchState),
		done:       make(chan struct{}),
	}
}

func (f *fetcher) start() {
	f.wg.Add(1)
	go f.run()
}

func (f *fetcher) run() {
	defer f.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = f.rm.config.ReplicaFetchBackoffMax
	bo.MaxElapsedTime = 0
	for {
		select {
		case <-f.done:
			return
		default:
		}
		req := f.buildRequest()
		if req == nil {
			if !f.sleep(f.rm.config.ReplicaFetchWait) {
				return
			}
			continue
		}
		res, err := f.client.Fetch(f.clientID, req)
		if err != nil {
			f.logger.Error("fetch failed", log.Error("error", err))
			if !f.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()
		if f.handleResponse(res) == 0 {
			// Nothing came back; don't hot-loop against an idle leader.
			if !f.sleep(f.rm.config.ReplicaFetchWait) {
				return
			}
		}
	}
}

// sleep waits, or returns false when the fetcher is closing.
func (f *fetcher) sleep(d time.Duration) bool {
	select {
	case <-f.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (f *fetcher) buildRequest() *protocol.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	byTopic := make(map[string][]*protocol.FetchPartition)
	for tp, st := range f.partitions {
		if st.paused {
			continue
		}
		byTopic[tp.Topic] = append(byTopic[tp.Topic], &protocol.FetchPartition{
			Partition:          tp.Partition,
			CurrentLeaderEpoch: st.leaderEpoch,
			FetchOffset:        st.fetchOffset,
			LogStartOffset:     f.rm.followerLogStartOffset(tp, f.future),
			MaxBytes:           f.rm.config.ReplicaFetchMaxBytes,
		})
	}
	if len(byTopic) == 0 {
		return nil
	}
	replicaID := f.rm.config.ID
	if f.future {
		replicaID = protocol.FutureLocalReplicaID
	}
	req := &protocol.FetchRequest{
		ReplicaID:   replicaID,
		MaxWaitTime: int32(f.rm.config.ReplicaFetchWait / time.Millisecond),
		MinBytes:    f.rm.config.ReplicaFetchMinBytes,
		MaxBytes:    f.rm.config.ReplicaFetchMaxBytes,
	}
	for topic, parts := range byTopic {
		req.Topics = append(req.Topics, &protocol.FetchTopic{Topic: topic, Partitions: parts})
	}
	return req
}

// handleResponse applies every partition response and returns how many
// bytes of records it appended.
func (f *fetcher) handleResponse(res *protocol.FetchResponse) (applied int) {
	for _, topic := range res.Responses {
		for _, pr := range topic.PartitionResponses {
			tp := structs.TopicPartition{Topic: topic.Topic, Partition: pr.Partition}
			f.mu.Lock()
			st, ok := f.partitions[tp]
			f.mu.Unlock()
			if !ok {
				continue
			}
			switch pr.ErrorCode {
			case protocol.ErrNone.Code():
				newOffset, err := f.rm.applyFollowerFetch(tp, st.leaderEpoch, pr, f.future)
				if err != nil {
					f.logger.Error("applying fetched records failed",
						log.String("partition", tp.String()),
						log.Error("error", err))
					continue
				}
				applied += len(pr.RecordSet)
				f.mu.Lock()
				if cur, ok := f.partitions[tp]; ok && newOffset > cur.fetchOffset {
					cur.fetchOffset = newOffset
				}
				f.mu.Unlock()
			case protocol.ErrOffsetOutOfRange.Code():
				f.handleOffsetOutOfRange(tp, st, pr)
			case protocol.ErrFencedLeaderEpoch.Code(), protocol.ErrUnknownLeaderEpoch.Code():
				f.logger.Info("fenced by leader, pausing partition until next directive",
					log.String("partition", tp.String()),
					log.Int16("error code", pr.ErrorCode))
				f.mu.Lock()
				if cur, ok := f.partitions[tp]; ok {
					cur.paused = true
				}
				f.mu.Unlock()
			case protocol.ErrNotLeaderForPartition.Code():
				f.logger.Info("source broker no longer leads partition, dropping",
					log.String("partition", tp.String()))
				f.removePartitions([]structs.TopicPartition{tp})
			default:
				f.logger.Error("fetch partition error",
					log.String("partition", tp.String()),
					log.Int16("error code", pr.ErrorCode))
			}
		}
	}
	return applied
}

// handleOffsetOutOfRange reconciles the local log against the leader's
// epoch lineage: truncate to the leader's end offset for our latest epoch,
// or jump forward when the leader has already deleted our next offset.
func (f *fetcher) handleOffsetOutOfRange(tp structs.TopicPartition, st *partitionFetchState, pr *protocol.FetchPartitionResponse) {
	localEpoch := f.rm.followerLatestEpoch(tp, f.future)
	res, err := f.client.EndOffsetForEpoch(f.clientID, tp.Topic, tp.Partition, localEpoch)
	if err != nil {
		f.logger.Error("epoch reconciliation failed", log.String("partition", tp.String()), log.Error("error", err))
		return
	}
	newOffset, err := f.rm.reconcileFollowerOffset(tp, res, pr.LogStartOffset, f.future)
	if err != nil {
		f.logger.Error("follower truncation failed", log.String("partition", tp.String()), log.Error("error", err))
		return
	}
	f.mu.Lock()
	if cur, ok := f.partitions[tp]; ok {
		cur.fetchOffset = newOffset
	}
	f.mu.Unlock()
	f.logger.Info("reset fetch offset after out of range",
		log.String("partition", tp.String()),
		log.Int64("fetch offset", newOffset))
}

func (f *fetcher) addPartition(tp structs.TopicPartition, st InitialFetchState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitions[tp] = &partitionFetchState{
		fetchOffset: st.FetchOffset,
		leaderEpoch: st.LeaderEpoch,
	}
}

func (f *fetcher) removePartitions(tps []structs.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range tps {
		delete(f.partitions, tp)
	}
}

func (f *fetcher) partitionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.partitions)
}

func (f *fetcher) close() {
	close(f.done)
	f.wg.Wait()
	if err := f.client.Close(); err != nil {
		f.logger.Error("closing fetch client failed", log.Error("error", err))
	}
}
