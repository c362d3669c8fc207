package keg

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

// LogFactory opens or creates the log store rooted at dir.
type LogFactory func(dir string) (LogStore, error)

// ReplicaManager owns this broker's hosted partitions: it applies the
// controller's role directives, serves produce and fetch on leaders, keeps
// followers in sync through the fetcher managers, maintains ISR and high
// watermarks, and survives log dir failures by running degraded.
type ReplicaManager struct {
	config   *Config
	logger   log.Logger
	tracer   opentracing.Tracer
	metrics  *Metrics
	clock    Clock
	metadata *MetadataCache
	store    MetadataStore

	logFactory LogFactory

	// stateChangeLock serialises directive application, metadata updates,
	// dir moves and dir-failure transitions.
	stateChangeLock sync.Mutex
	// controllerEpoch is written under the state-change lock but read on
	// fast paths, hence the atomic.
	controllerEpoch int32

	hosted *hostedMap

	producePurgatory       *purgatory
	fetchPurgatory         *purgatory
	deleteRecordsPurgatory *purgatory
	electLeaderPurgatory   *purgatory

	fetcherManager  *FetcherManager
	alterDirManager *FetcherManager
	isrTracker      *IsrChangeTracker
	selector        ReplicaSelector

	// recoveredHw and recoveredLogStart hold the checkpoints read at
	// startup, consumed as partitions come online.
	recoveredHw       map[structs.TopicPartition]int64
	recoveredLogStart map[structs.TopicPartition]int64

	// offlineDirs tracks data dirs lost to IO errors.
	offlineMu   sync.Mutex
	offlineDirs map[string]bool

	offlineDirCh chan string

	checkpointOnce sync.Once
	done           chan struct{}
	wg             sync.WaitGroup
	shuttingDown   int32
}

func NewReplicaManager(config *Config, metadata *MetadataCache, store MetadataStore, logFactory LogFactory, clientFactory FetchClientFactory, clock Clock, tracer opentracing.Tracer, metrics *Metrics, logger log.Logger) (*ReplicaManager, error) {
	if clock == nil {
		clock = SystemClock()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	selector, err := NewReplicaSelector(config.ReplicaSelectorName)
	if err != nil {
		return nil, err
	}
	rm := &ReplicaManager{
		config:            config,
		logger:            logger.With(log.Int32("broker", config.ID)),
		tracer:            tracer,
		metrics:           metrics,
		clock:             clock,
		metadata:          metadata,
		store:             store,
		logFactory:        logFactory,
		hosted:            newHostedMap(),
		selector:          selector,
		recoveredHw:       make(map[structs.TopicPartition]int64),
		recoveredLogStart: make(map[structs.TopicPartition]int64),
		offlineDirs:       make(map[string]bool),
		offlineDirCh:      make(chan string, 16),
		done:              make(chan struct{}),
	}
	rm.producePurgatory = newPurgatory("produce", config.PurgatoryPurgeInterval, rm.logger)
	rm.fetchPurgatory = newPurgatory("fetch", config.PurgatoryPurgeInterval, rm.logger)
	rm.deleteRecordsPurgatory = newPurgatory("delete-records", config.PurgatoryPurgeInterval, rm.logger)
	rm.electLeaderPurgatory = newPurgatory("elect-leader", config.PurgatoryPurgeInterval, rm.logger)
	rm.fetcherManager = newFetcherManager("replica", rm, clientFactory, false)
	rm.alterDirManager = newFetcherManager("alter-log-dir", rm, rm.localClientFactory, true)
	rm.isrTracker = NewIsrChangeTracker(config.ID, config, store, clock, rm.logger, metrics)

	for _, dir := range config.DataDirs {
		hw, err := NewOffsetCheckpoint(filepath.Join(dir, HighWatermarkCheckpointFile)).Read()
		if err != nil {
			rm.logger.Error("reading high watermark checkpoint failed", log.String("dir", dir), log.Error("error", err))
		}
		for tp, offset := range hw {
			rm.recoveredHw[tp] = offset
		}
		starts, err := NewOffsetCheckpoint(filepath.Join(dir, LogStartOffsetCheckpointFile)).Read()
		if err != nil {
			rm.logger.Error("reading log start checkpoint failed", log.String("dir", dir), log.Error("error", err))
		}
		for tp, offset := range starts {
			rm.recoveredLogStart[tp] = offset
		}
	}
	return rm, nil
}

// Start launches the background tasks: the ISR shrink timer, the ISR
// change propagator and the dir failure handler. The high watermark
// checkpointer starts on the first successful directive.
func (rm *ReplicaManager) Start() {
	rm.isrTracker.Start()
	rm.wg.Add(2)
	go rm.isrShrinkLoop()
	go rm.dirFailureLoop()
}

func (rm *ReplicaManager) isrShrinkLoop() {
	defer rm.wg.Done()
	ticker := time.NewTicker(rm.config.IsrShrinkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rm.done:
			return
		case <-ticker.C:
			for _, p := range rm.hosted.OnlinePartitions() {
				if p.MaybeShrinkIsr() {
					rm.completeDelayedRequests(p.TopicPartition)
				}
			}
		}
	}
}

// OfflineDirChannel is where the log layer publishes failed directories.
func (rm *ReplicaManager) OfflineDirChannel() chan<- string {
	return rm.offlineDirCh
}

func (rm *ReplicaManager) span(op string) opentracing.Span {
	return rm.tracer.StartSpan("replica manager: " + op)
}

// ControllerEpoch is the epoch of the last controller heard from.
func (rm *ReplicaManager) ControllerEpoch() int32 {
	return atomic.LoadInt32(&rm.controllerEpoch)
}

// Hosted exposes the partition table entry for a topic-partition.
func (rm *ReplicaManager) Hosted(tp structs.TopicPartition) Hosted {
	return rm.hosted.Get(tp)
}

// Partition returns the online partition, or nil.
func (rm *ReplicaManager) Partition(tp structs.TopicPartition) *Partition {
	p, _ := rm.hosted.Online(tp)
	return p
}

// onlinePartition resolves a topic-partition to its live state or the
// wire error a client should see.
func (rm *ReplicaManager) onlinePartition(tp structs.TopicPartition) (*Partition, protocol.Error) {
	switch h := rm.hosted.Get(tp).(type) {
	case HostedOnline:
		return h.Partition, protocol.ErrNone
	case HostedOffline:
		return nil, protocol.ErrKafkaStorageError
	default:
		if rm.metadata != nil && rm.metadata.Contains(tp) {
			return nil, protocol.ErrReplicaNotAvailable
		}
		return nil, protocol.ErrUnknownTopicOrPartition
	}
}

// BecomeLeaderOrFollower applies a LeaderAndISR directive under the
// state-change lock and returns the per-partition outcome.
func (rm *ReplicaManager) BecomeLeaderOrFollower(req *protocol.LeaderAndISRRequest, onLeadershipChange OnLeadershipChange) *protocol.LeaderAndISRResponse {
	sp := rm.span("become leader or follower")
	defer sp.Finish()
	if managerVerboseLogs {
		rm.logger.Debug("leader and isr directive", log.String("request", dump(req)))
	}
	rm.stateChangeLock.Lock()
	defer rm.stateChangeLock.Unlock()

	res := &protocol.LeaderAndISRResponse{}
	cur := atomic.LoadInt32(&rm.controllerEpoch)
	if req.ControllerEpoch < cur {
		rm.logger.Info("rejecting directive from stale controller",
			log.Int32("controller", req.ControllerID),
			log.Int32("epoch", req.ControllerEpoch),
			log.Int32("current epoch", cur))
		res.ErrorCode = protocol.ErrStaleControllerEpoch.Code()
		return res
	}
	atomic.StoreInt32(&rm.controllerEpoch, req.ControllerEpoch)

	perrs := make(map[structs.TopicPartition]protocol.Error, len(req.PartitionStates))
	staged := make(map[structs.TopicPartition]*Partition)
	directives := make(map[structs.TopicPartition]*protocol.PartitionState)

	for _, ps := range req.PartitionStates {
		tp := structs.TopicPartition{Topic: ps.Topic, Partition: ps.Partition}
		directives[tp] = ps
		if _, ok := rm.hosted.Get(tp).(HostedOffline); ok {
			perrs[tp] = protocol.ErrKafkaStorageError
			continue
		}
		p, perr := rm.getOrCreatePartition(tp)
		if perr.Code() != protocol.ErrNone.Code() {
			perrs[tp] = perr
			continue
		}
		if cur := p.LeaderEpoch(); ps.LeaderEpoch <= cur {
			rm.logger.Info("ignoring directive with stale leader epoch",
				log.String("partition", tp.String()),
				log.Int32("epoch", ps.LeaderEpoch),
				log.Int32("current epoch", cur))
			perrs[tp] = protocol.ErrStaleControllerEpoch
			continue
		}
		if !contains(ps.Replicas, rm.config.ID) {
			perrs[tp] = protocol.ErrUnknownTopicOrPartition
			continue
		}
		staged[tp] = p
	}

	var leaderTPs, followerTPs []structs.TopicPartition
	for tp := range staged {
		if directives[tp].Leader == rm.config.ID {
			leaderTPs = append(leaderTPs, tp)
		} else {
			followerTPs = append(followerTPs, tp)
		}
	}

	var newLeaders, newFollowers []*Partition

	// Leaders first: stop any follower fetchers they had, then flip.
	rm.fetcherManager.RemoveFetcherForPartitions(leaderTPs)
	for _, tp := range leaderTPs {
		p := staged[tp]
		became, err := p.MakeLeader(directives[tp])
		if err != nil {
			rm.logger.Error("make leader failed", log.String("partition", tp.String()), log.Error("error", err))
			perrs[tp] = protocol.ErrKafkaStorageError
			continue
		}
		perrs[tp] = protocol.ErrNone
		if became {
			newLeaders = append(newLeaders, p)
		}
	}

	// Followers: stop fetchers, truncate, then refetch from the new
	// leader starting at the local high watermark.
	rm.fetcherManager.RemoveFetcherForPartitions(followerTPs)
	fetchStates := make(map[structs.TopicPartition]InitialFetchState)
	for _, tp := range followerTPs {
		p := staged[tp]
		ps := directives[tp]
		changed, err := p.MakeFollower(ps)
		if err != nil {
			rm.logger.Error("make follower failed", log.String("partition", tp.String()), log.Error("error", err))
			perrs[tp] = protocol.ErrKafkaStorageError
			continue
		}
		perrs[tp] = protocol.ErrNone
		if changed {
			newFollowers = append(newFollowers, p)
		}
		if rm.metadata.AliveBroker(ps.Leader) == nil {
			// The log exists either way; the fetcher waits for the next
			// directive once the leader is reachable.
			rm.logger.Info("new leader not alive in metadata, not fetching",
				log.String("partition", tp.String()),
				log.Int32("leader", ps.Leader))
			continue
		}
		fetchStates[tp] = InitialFetchState{
			Leader:      ps.Leader,
			LeaderEpoch: ps.LeaderEpoch,
			FetchOffset: p.HighWatermark(),
		}
	}
	if err := rm.fetcherManager.AddFetcherForPartitions(fetchStates); err != nil {
		rm.logger.Error("adding fetchers failed", log.Error("error", err))
	}
	rm.fetcherManager.ShutdownIdleFetchers()

	rm.startCheckpointer()

	if onLeadershipChange != nil {
		onLeadershipChange(newLeaders, newFollowers)
	}

	for tp := range staged {
		rm.completeDelayedRequests(tp)
	}

	for _, ps := range req.PartitionStates {
		tp := structs.TopicPartition{Topic: ps.Topic, Partition: ps.Partition}
		res.Partitions = append(res.Partitions, &protocol.LeaderAndISRPartition{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			ErrorCode: perrs[tp].Code(),
		})
	}
	res.ErrorCode = protocol.ErrNone.Code()
	return res
}

// getOrCreatePartition returns the online partition, creating it with a
// fresh log on first sight. Callers hold the state-change lock.
func (rm *ReplicaManager) getOrCreatePartition(tp structs.TopicPartition) (*Partition, protocol.Error) {
	if p, ok := rm.hosted.Online(tp); ok {
		return p, protocol.ErrNone
	}
	p := NewPartition(tp, rm.config.ID, rm.config, rm.clock, rm.logger, rm.metrics, rm.isrTracker.Enqueue)
	dir := rm.assignDir()
	if dir == "" {
		return nil, protocol.ErrKafkaStorageError
	}
	l, err := rm.logFactory(filepath.Join(dir, tp.String()))
	if err != nil {
		rm.logger.Error("creating log failed", log.String("partition", tp.String()), log.Error("error", err))
		rm.hosted.PutOffline(tp)
		return nil, protocol.ErrKafkaStorageError
	}
	if start, ok := rm.recoveredLogStart[tp]; ok {
		l.SetLogStartOffset(start)
	}
	p.SetLog(l, rm.recoveredHw[tp], dir)
	rm.hosted.PutOnline(tp, p)
	return p, protocol.ErrNone
}

// assignDir picks the online data dir hosting the fewest partitions.
func (rm *ReplicaManager) assignDir() string {
	counts := make(map[string]int, len(rm.config.DataDirs))
	rm.offlineMu.Lock()
	for _, dir := range rm.config.DataDirs {
		if !rm.offlineDirs[dir] {
			counts[dir] = 0
		}
	}
	rm.offlineMu.Unlock()
	if len(counts) == 0 {
		return ""
	}
	for _, p := range rm.hosted.OnlinePartitions() {
		if _, ok := counts[p.DataDir()]; ok {
			counts[p.DataDir()]++
		}
	}
	var best string
	bestCount := -1
	for _, dir := range rm.config.DataDirs {
		if n, ok := counts[dir]; ok && (bestCount == -1 || n < bestCount) {
			best, bestCount = dir, n
		}
	}
	return best
}

// StopReplicas stops fetchers for the partitions and optionally deletes
// them.
func (rm *ReplicaManager) StopReplicas(req *protocol.StopReplicaRequest) *protocol.StopReplicaResponse {
	sp := rm.span("stop replicas")
	defer sp.Finish()
	rm.stateChangeLock.Lock()
	defer rm.stateChangeLock.Unlock()

	res := &protocol.StopReplicaResponse{}
	cur := atomic.LoadInt32(&rm.controllerEpoch)
	if req.ControllerEpoch < cur {
		res.ErrorCode = protocol.ErrStaleControllerEpoch.Code()
		return res
	}
	atomic.StoreInt32(&rm.controllerEpoch, req.ControllerEpoch)

	var tps []structs.TopicPartition
	for _, part := range req.Partitions {
		tps = append(tps, structs.TopicPartition{Topic: part.Topic, Partition: part.Partition})
	}
	rm.fetcherManager.RemoveFetcherForPartitions(tps)
	rm.alterDirManager.RemoveFetcherForPartitions(tps)

	for _, tp := range tps {
		perr := protocol.ErrNone
		switch h := rm.hosted.Get(tp).(type) {
		case HostedOnline:
			if req.DeletePartitions {
				rm.hosted.Remove(tp)
				p := h.Partition
				go func(tp structs.TopicPartition, p *Partition) {
					if l := p.FutureLog(); l != nil {
						if err := l.Delete(); err != nil {
							rm.logger.Error("deleting future log failed", log.String("partition", tp.String()), log.Error("error", err))
						}
					}
					if err := p.Log().Delete(); err != nil {
						rm.logger.Error("deleting log failed", log.String("partition", tp.String()), log.Error("error", err))
					}
				}(tp, p)
			}
		case HostedOffline:
			perr = protocol.ErrKafkaStorageError
		case HostedNone:
			// Never hosted; nothing to stop.
		}
		res.Partitions = append(res.Partitions, &protocol.StopReplicaPartitionError{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			ErrorCode: perr.Code(),
		})
		rm.completeDelayedRequests(tp)
	}
	res.ErrorCode = protocol.ErrNone.Code()
	return res
}

// completeDelayedRequests re-evaluates every purgatory watching the
// partition. Called on appends, HW movement, ISR changes and role changes.
func (rm *ReplicaManager) completeDelayedRequests(tp structs.TopicPartition) {
	rm.producePurgatory.checkAndComplete(tp)
	rm.fetchPurgatory.checkAndComplete(tp)
	rm.deleteRecordsPurgatory.checkAndComplete(tp)
	rm.electLeaderPurgatory.checkAndComplete(tp)
}

// startCheckpointer runs the high watermark checkpointer once the first
// directive succeeds.
func (rm *ReplicaManager) startCheckpointer() {
	rm.checkpointOnce.Do(func() {
		rm.wg.Add(1)
		go func() {
			defer rm.wg.Done()
			ticker := time.NewTicker(rm.config.HighWatermarkCheckpointInterval)
			defer ticker.Stop()
			for {
				select {
				case <-rm.done:
					return
				case <-ticker.C:
					rm.CheckpointHighWatermarks()
				}
			}
		}()
	})
}

// CheckpointHighWatermarks writes the per-dir high watermark and log start
// checkpoint files. A failed dir is logged and skipped; the others still
// checkpoint.
func (rm *ReplicaManager) CheckpointHighWatermarks() {
	hwByDir := make(map[string]map[structs.TopicPartition]int64)
	startByDir := make(map[string]map[structs.TopicPartition]int64)
	for _, p := range rm.hosted.OnlinePartitions() {
		dir := p.DataDir()
		l := p.Log()
		if dir == "" || l == nil {
			continue
		}
		if hwByDir[dir] == nil {
			hwByDir[dir] = make(map[structs.TopicPartition]int64)
			startByDir[dir] = make(map[structs.TopicPartition]int64)
		}
		hwByDir[dir][p.TopicPartition] = l.HighWatermark()
		startByDir[dir][p.TopicPartition] = l.LogStartOffset()
	}
	rm.offlineMu.Lock()
	offline := make(map[string]bool, len(rm.offlineDirs))
	for dir := range rm.offlineDirs {
		offline[dir] = true
	}
	rm.offlineMu.Unlock()
	for dir, offsets := range hwByDir {
		if offline[dir] {
			continue
		}
		if err := NewOffsetCheckpoint(filepath.Join(dir, HighWatermarkCheckpointFile)).Write(offsets); err != nil {
			rm.logger.Error("writing high watermark checkpoint failed", log.String("dir", dir), log.Error("error", err))
			continue
		}
		if err := NewOffsetCheckpoint(filepath.Join(dir, LogStartOffsetCheckpointFile)).Write(startByDir[dir]); err != nil {
			rm.logger.Error("writing log start checkpoint failed", log.String("dir", dir), log.Error("error", err))
		}
	}
}

// Shutdown drains the purgatories, stops the fetchers and background
// tasks, takes a final checkpoint pass and closes the logs.
func (rm *ReplicaManager) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&rm.shuttingDown, 0, 1) {
		return nil
	}
	rm.logger.Info("replica manager shutting down")
	rm.producePurgatory.drain()
	rm.fetchPurgatory.drain()
	rm.deleteRecordsPurgatory.drain()
	rm.electLeaderPurgatory.drain()
	rm.fetcherManager.CloseAll()
	rm.alterDirManager.CloseAll()
	close(rm.done)
	rm.wg.Wait()
	rm.isrTracker.Stop()
	rm.CheckpointHighWatermarks()
	for _, p := range rm.hosted.OnlinePartitions() {
		if l := p.Log(); l != nil {
			if err := l.Close(); err != nil {
				rm.logger.Error("closing log failed", log.String("partition", p.TopicPartition.String()), log.Error("error", err))
			}
		}
	}
	return nil
}
