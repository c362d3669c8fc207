package keg

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kegstream/keg/commitlog"
	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/protocol"
)

// FetchIsolation bounds how far a read may go.
type FetchIsolation int8

const (
	// FetchLogEnd reads to the log end. Followers and the future-log mover.
	FetchLogEnd FetchIsolation = iota
	// FetchHighWatermark reads to the high watermark. Default consumers.
	FetchHighWatermark
	// FetchTxnCommitted reads to the last stable offset. Read-committed
	// consumers.
	FetchTxnCommitted
)

// ReplicaState is what the leader knows about one remote follower, updated
// only from that follower's fetches.
type ReplicaState struct {
	BrokerID       int32
	LogStartOffset int64
	// LogEndOffset is the follower's fetch position, -1 until it fetches.
	LogEndOffset int64
	// LastFetchLeaderLogEndOffset is the leader's log end at the time of
	// the follower's last fetch, used to decide catch-up.
	LastFetchLeaderLogEndOffset int64
	LastFetchTime               time.Time
	LastCaughtUpTime            time.Time
	// LastSentHighWatermark is the leader high watermark last included in a
	// response to this follower.
	LastSentHighWatermark int64
}

// FetchDataInfo is one partition's slice of a fetch response.
type FetchDataInfo struct {
	Records              []byte
	HighWatermark        int64
	LogStartOffset       int64
	LastStableOffset     int64
	FirstEntryIncomplete bool
	AbortedTransactions  []*protocol.AbortedTransaction
	// PreferredReadReplica is a broker id hint, -1 for none.
	PreferredReadReplica int32
}

// OffsetSnapshot is a point-in-time view of a partition's offsets.
type OffsetSnapshot struct {
	LogStartOffset   int64
	HighWatermark    int64
	LogEndOffset     int64
	LastStableOffset int64
}

// Partition is the live state of one locally hosted topic-partition: role,
// epochs, the ISR, per-follower fetch state and the local log handle. All
// mutation happens under its write lock; the manager's state-change lock
// additionally serialises role transitions across partitions.
type Partition struct {
	TopicPartition structs.TopicPartition

	mu sync.RWMutex

	brokerID int32
	config   *Config
	clock    Clock
	logger   log.Logger

	log           LogStore
	dataDir       string
	futureLog     LogStore
	futureDataDir string

	leaderID         int32
	leaderEpoch      int32
	controllerEpoch  int32
	zkVersion        int32
	assignedReplicas []int32
	isr              []int32

	remoteReplicas map[int32]*ReplicaState

	// onIsrChange enqueues a shrink or expand with the ISR change tracker.
	onIsrChange func(structs.IsrChange)

	metrics *Metrics
}

func NewPartition(tp structs.TopicPartition, brokerID int32, config *Config, clock Clock, logger log.Logger, metrics *Metrics, onIsrChange func(structs.IsrChange)) *Partition {
	return &Partition{
		TopicPartition: tp,
		brokerID:       brokerID,
		config:         config,
		clock:          clock,
		logger: logger.With(
			log.String("topic", tp.Topic),
			log.Int32("partition", tp.Partition),
		),
		leaderID:       -1,
		leaderEpoch:    -1,
		remoteReplicas: make(map[int32]*ReplicaState),
		onIsrChange:    onIsrChange,
		metrics:        metrics,
	}
}

// SetLog attaches the local log handle, rooted in the data dir. recoveredHw
// comes from the dir's high watermark checkpoint, clamped by the log.
func (p *Partition) SetLog(l LogStore, recoveredHw int64, dataDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = l
	p.dataDir = dataDir
	if recoveredHw > 0 {
		l.SetHighWatermark(recoveredHw)
	}
}

func (p *Partition) Log() LogStore {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.log
}

func (p *Partition) DataDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dataDir
}

func (p *Partition) SetFutureLog(l LogStore, dataDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.futureLog = l
	p.futureDataDir = dataDir
}

func (p *Partition) FutureLog() LogStore {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.futureLog
}

func (p *Partition) FutureDataDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.futureDataDir
}

// FutureCaughtUp reports whether the future log has replicated everything
// in the current one.
func (p *Partition) FutureCaughtUp() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.futureLog != nil && p.futureLog.LogEndOffset() >= p.log.LogEndOffset()
}

// PromoteFutureLog swaps the caught-up future log in for the current one
// and returns the old log for deletion. Called under the manager's
// state-change lock.
func (p *Partition) PromoteFutureLog() (LogStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.futureLog == nil {
		return nil, errors.New("no future log to promote")
	}
	old := p.log
	p.log = p.futureLog
	p.dataDir = p.futureDataDir
	p.futureLog = nil
	p.futureDataDir = ""
	p.log.SetHighWatermark(old.HighWatermark())
	return old, nil
}

// MakeLeader applies a become-leader directive. Returns whether this broker
// just transitioned from non-leader.
func (p *Partition) MakeLeader(cmd *protocol.PartitionState) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasLeader := p.leaderID == p.brokerID
	now := p.clock.Now()

	p.controllerEpoch = cmd.ControllerEpoch
	p.leaderEpoch = cmd.LeaderEpoch
	p.zkVersion = cmd.ZKVersion
	p.assignedReplicas = append([]int32(nil), cmd.Replicas...)
	p.isr = append([]int32(nil), cmd.ISR...)
	p.leaderID = p.brokerID

	if err := p.log.MaybeAssignEpochStart(cmd.LeaderEpoch, p.log.LogEndOffset()); err != nil {
		return false, err
	}

	p.remoteReplicas = make(map[int32]*ReplicaState)
	for _, id := range p.assignedReplicas {
		if id == p.brokerID {
			continue
		}
		p.remoteReplicas[id] = &ReplicaState{
			BrokerID:         id,
			LogStartOffset:   -1,
			LogEndOffset:     -1,
			LastCaughtUpTime: now,
			LastFetchTime:    now,
		}
	}

	p.maybeIncrementLeaderHW()
	return !wasLeader, nil
}

// MakeFollower applies a become-follower directive. The log is truncated to
// the high watermark; the fetcher refines that by epoch reconciliation
// against the new leader. Returns whether the leader actually changed.
func (p *Partition) MakeFollower(cmd *protocol.PartitionState) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	leaderChanged := p.leaderID != cmd.Leader || p.leaderEpoch != cmd.LeaderEpoch

	p.controllerEpoch = cmd.ControllerEpoch
	p.leaderEpoch = cmd.LeaderEpoch
	p.zkVersion = cmd.ZKVersion
	p.assignedReplicas = append([]int32(nil), cmd.Replicas...)
	p.isr = nil
	p.leaderID = cmd.Leader
	p.remoteReplicas = make(map[int32]*ReplicaState)

	if err := p.log.Truncate(p.log.HighWatermark()); err != nil {
		return false, err
	}
	return leaderChanged, nil
}

// AppendRecordsToLeader appends a producer's record set to the local log.
// The high watermark is not moved here; follower fetches drive it.
func (p *Partition) AppendRecordsToLeader(records []byte, requiredAcks int16) (commitlog.AppendInfo, protocol.Error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.leaderID != p.brokerID {
		return commitlog.AppendInfo{}, protocol.ErrNotLeaderForPartition
	}
	if requiredAcks == protocol.AcksAll && len(p.isr) < p.config.MinInsyncReplicas {
		return commitlog.AppendInfo{}, protocol.ErrNotEnoughReplicas
	}
	info, err := p.log.Append(records)
	if err != nil {
		return commitlog.AppendInfo{}, protocol.ErrKafkaStorageError.WithErr(err)
	}
	return info, protocol.ErrNone
}

// ReadRecords reads a slice of the log bounded by the isolation level.
func (p *Partition) ReadRecords(fetchOffset int64, currentLeaderEpoch int32, maxBytes int32, isolation FetchIsolation, fetchOnlyFromLeader bool, minOneMessage bool) (FetchDataInfo, protocol.Error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if perr := p.checkLeaderEpoch(currentLeaderEpoch); perr.Code() != protocol.ErrNone.Code() {
		return FetchDataInfo{}, perr
	}
	if fetchOnlyFromLeader && p.leaderID != p.brokerID {
		return FetchDataInfo{}, protocol.ErrNotLeaderForPartition
	}
	if p.log == nil {
		return FetchDataInfo{}, protocol.ErrReplicaNotAvailable
	}
	upperBound := p.isolationBound(isolation)
	data, err := p.log.Read(fetchOffset, maxBytes, upperBound, minOneMessage)
	if err != nil {
		if errors.Cause(err) == commitlog.ErrOffsetOutOfRange {
			return FetchDataInfo{}, protocol.ErrOffsetOutOfRange
		}
		return FetchDataInfo{}, protocol.ErrKafkaStorageError.WithErr(err)
	}
	return FetchDataInfo{
		Records:              data.Records,
		FirstEntryIncomplete: data.FirstEntryIncomplete,
		HighWatermark:        p.log.HighWatermark(),
		LogStartOffset:       p.log.LogStartOffset(),
		LastStableOffset:     p.log.LastStableOffset(),
		PreferredReadReplica: -1,
	}, protocol.ErrNone
}

// checkLeaderEpoch fences a request's leader epoch against ours: a request
// ahead of us is fenced until we catch up with the controller, a request
// behind us carries an epoch we no longer serve.
func (p *Partition) checkLeaderEpoch(requestEpoch int32) protocol.Error {
	if requestEpoch < 0 {
		return protocol.ErrNone
	}
	switch {
	case requestEpoch > p.leaderEpoch:
		return protocol.ErrFencedLeaderEpoch
	case requestEpoch < p.leaderEpoch:
		return protocol.ErrUnknownLeaderEpoch
	}
	return protocol.ErrNone
}

func (p *Partition) isolationBound(isolation FetchIsolation) int64 {
	switch isolation {
	case FetchHighWatermark:
		return p.log.HighWatermark()
	case FetchTxnCommitted:
		return p.log.LastStableOffset()
	default:
		return p.log.LogEndOffset()
	}
}

// UpdateFollowerFetchState records a follower's fetch position and may
// expand the ISR and advance the high watermark, in that order and in the
// same critical section. Returns whether the follower was recognised and
// whether the high watermark moved.
func (p *Partition) UpdateFollowerFetchState(followerID int32, fetchOffset int64, followerStartOffset int64, fetchTime time.Time, leaderLogEndOffset int64) (recognised bool, hwAdvanced bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !contains(p.assignedReplicas, followerID) {
		return false, false
	}
	if followerID == p.brokerID {
		// A self-fetch carries no replica state but still lets a
		// single-replica leader advance its watermark.
		return true, p.maybeIncrementLeaderHW()
	}
	r := p.remoteReplicas[followerID]
	if r == nil {
		return false, false
	}

	if fetchOffset >= leaderLogEndOffset {
		if fetchTime.After(r.LastCaughtUpTime) {
			r.LastCaughtUpTime = fetchTime
		}
	} else if fetchOffset >= r.LastFetchLeaderLogEndOffset {
		if r.LastFetchTime.After(r.LastCaughtUpTime) {
			r.LastCaughtUpTime = r.LastFetchTime
		}
	}
	if fetchOffset > r.LogEndOffset {
		r.LogEndOffset = fetchOffset
	}
	r.LogStartOffset = followerStartOffset
	r.LastFetchLeaderLogEndOffset = leaderLogEndOffset
	r.LastFetchTime = fetchTime

	p.maybeExpandIsr(followerID, fetchOffset)
	return true, p.maybeIncrementLeaderHW()
}

// maybeExpandIsr re-admits a follower that has reached the high watermark
// and fetched recently. Callers hold p.mu.
func (p *Partition) maybeExpandIsr(followerID int32, fetchOffset int64) {
	if contains(p.isr, followerID) {
		return
	}
	if p.leaderID != p.brokerID {
		return
	}
	r := p.remoteReplicas[followerID]
	if fetchOffset < p.log.HighWatermark() {
		return
	}
	if p.clock.Now().Sub(r.LastCaughtUpTime) > p.config.ReplicaLagTimeMax {
		return
	}
	p.isr = append(p.isr, followerID)
	p.logger.Info("expanding isr", log.Int32("follower", followerID), log.Int32s("isr", p.isr))
	if p.metrics != nil {
		p.metrics.IsrExpands.Add(1)
	}
	p.enqueueIsrChange()
}

// MaybeShrinkIsr drops followers that have gone stale. Returns whether the
// high watermark advanced as a result.
func (p *Partition) MaybeShrinkIsr() (hwAdvanced bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leaderID != p.brokerID {
		return false
	}
	now := p.clock.Now()
	leaderLEO := p.log.LogEndOffset()
	var out []int32
	var removed []int32
	for _, id := range p.isr {
		if id == p.brokerID {
			out = append(out, id)
			continue
		}
		r := p.remoteReplicas[id]
		if r == nil {
			removed = append(removed, id)
			continue
		}
		stale := now.Sub(r.LastCaughtUpTime) > p.config.ReplicaLagTimeMax
		lagging := r.LogEndOffset < leaderLEO && now.Sub(r.LastFetchTime) > p.config.ReplicaLagTimeMax
		if stale || lagging {
			removed = append(removed, id)
			continue
		}
		out = append(out, id)
	}
	if len(removed) == 0 {
		return false
	}
	p.isr = out
	p.logger.Info("shrinking isr", log.Int32s("removed", removed), log.Int32s("isr", p.isr))
	if p.metrics != nil {
		p.metrics.IsrShrinks.Add(float64(len(removed)))
	}
	p.enqueueIsrChange()
	return p.maybeIncrementLeaderHW()
}

// maybeIncrementLeaderHW advances the high watermark to the minimum log end
// across the ISR. Strictly after any ISR mutation, under the same lock, so
// a freshly admitted lagging follower can never pull the watermark back.
// Callers hold p.mu.
func (p *Partition) maybeIncrementLeaderHW() bool {
	if p.leaderID != p.brokerID || p.log == nil {
		return false
	}
	newHw := p.log.LogEndOffset()
	for _, id := range p.isr {
		if id == p.brokerID {
			continue
		}
		r := p.remoteReplicas[id]
		if r == nil || r.LogEndOffset < 0 {
			return false
		}
		if r.LogEndOffset < newHw {
			newHw = r.LogEndOffset
		}
	}
	if newHw > p.log.HighWatermark() {
		p.log.SetHighWatermark(newHw)
		return true
	}
	return false
}

// enqueueIsrChange hands the current ISR to the change tracker. Callers
// hold p.mu.
func (p *Partition) enqueueIsrChange() {
	if p.onIsrChange == nil {
		return
	}
	p.onIsrChange(structs.IsrChange{
		Topic:       p.TopicPartition.Topic,
		Partition:   p.TopicPartition.Partition,
		ISR:         append([]int32(nil), p.isr...),
		LeaderEpoch: p.leaderEpoch,
		ZKVersion:   p.zkVersion,
	})
}

// CheckEnoughReplicasReachOffset decides a delayed produce's fate for this
// partition: done with an error, done clean, or still pending.
func (p *Partition) CheckEnoughReplicasReachOffset(requiredOffset int64) (protocol.Error, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.leaderID != p.brokerID {
		return protocol.ErrNotLeaderForPartition, true
	}
	if p.log.HighWatermark() >= requiredOffset {
		if len(p.isr) < p.config.MinInsyncReplicas {
			return protocol.ErrNotEnoughReplicasAfterAppend, true
		}
		return protocol.ErrNone, true
	}
	return protocol.ErrNone, false
}

// DeleteRecordsOnLeader advances the log start offset, capped at the high
// watermark, and returns the partition's low watermark.
func (p *Partition) DeleteRecordsOnLeader(offset int64) (int64, protocol.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leaderID != p.brokerID {
		return 0, protocol.ErrNotLeaderForPartition
	}
	converted := offset
	if hw := p.log.HighWatermark(); converted > hw {
		converted = hw
	}
	if err := p.log.DeleteRecordsBefore(converted); err != nil {
		return 0, protocol.ErrOffsetOutOfRange.WithErr(err)
	}
	return p.lowWatermark(), protocol.ErrNone
}

// lowWatermark is the minimum log start offset across the replicas the
// leader has heard from. Callers hold p.mu.
func (p *Partition) lowWatermark() int64 {
	lw := p.log.LogStartOffset()
	for _, r := range p.remoteReplicas {
		if r.LogStartOffset >= 0 && r.LogStartOffset < lw {
			lw = r.LogStartOffset
		}
	}
	return lw
}

// LowWatermark is the exported snapshot of lowWatermark.
func (p *Partition) LowWatermark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lowWatermark()
}

// FollowerNeedsHwUpdate reports whether the follower was last sent a high
// watermark older than the leader's current one.
func (p *Partition) FollowerNeedsHwUpdate(followerID int32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r := p.remoteReplicas[followerID]
	if r == nil {
		return false
	}
	return r.LastSentHighWatermark < p.log.HighWatermark()
}

// RecordFollowerSentHw notes the high watermark just included in a fetch
// response to the follower.
func (p *Partition) RecordFollowerSentHw(followerID int32, hw int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.remoteReplicas[followerID]; r != nil && hw > r.LastSentHighWatermark {
		r.LastSentHighWatermark = hw
	}
}

// FetchOffsetSnapshot returns the partition's offsets at a point in time.
func (p *Partition) FetchOffsetSnapshot() OffsetSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return OffsetSnapshot{
		LogStartOffset:   p.log.LogStartOffset(),
		HighWatermark:    p.log.HighWatermark(),
		LogEndOffset:     p.log.LogEndOffset(),
		LastStableOffset: p.log.LastStableOffset(),
	}
}

// EpochError is the exported fencing check used by delayed fetches.
func (p *Partition) EpochError(requestEpoch int32) protocol.Error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkLeaderEpoch(requestEpoch)
}

// EndOffsetFor is the isolation-bounded end offset a fetch may read to.
func (p *Partition) EndOffsetFor(isolation FetchIsolation) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isolationBound(isolation)
}

func (p *Partition) IsLeader() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderID == p.brokerID
}

func (p *Partition) LeaderID() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderID
}

func (p *Partition) LeaderEpoch() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderEpoch
}

func (p *Partition) ControllerEpoch() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.controllerEpoch
}

func (p *Partition) ISR() []int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]int32(nil), p.isr...)
}

func (p *Partition) AssignedReplicas() []int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]int32(nil), p.assignedReplicas...)
}

func (p *Partition) HighWatermark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.log.HighWatermark()
}

func (p *Partition) FollowerState(id int32) (ReplicaState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.remoteReplicas[id]
	if !ok {
		return ReplicaState{}, false
	}
	return *r, true
}

func contains(ids []int32, id int32) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
