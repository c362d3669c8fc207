package keg

import (
	"path/filepath"
	"strings"

	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
)

// dirFailureLoop drains the offline-dir channel the log layer publishes
// to. One failure takes every partition rooted in that dir offline; the
// broker keeps serving the rest unless configured to halt.
func (rm *ReplicaManager) dirFailureLoop() {
	defer rm.wg.Done()
	for {
		select {
		case <-rm.done:
			return
		case dir := <-rm.offlineDirCh:
			rm.handleLogDirFailure(dir)
		}
	}
}

func (rm *ReplicaManager) handleLogDirFailure(dir string) {
	rm.logger.Error("log dir failed", log.String("dir", dir))
	if rm.config.HaltOnDirFailure {
		rm.config.Halt()
		return
	}

	rm.stateChangeLock.Lock()
	defer rm.stateChangeLock.Unlock()

	rm.offlineMu.Lock()
	if rm.offlineDirs[dir] {
		rm.offlineMu.Unlock()
		return
	}
	rm.offlineDirs[dir] = true
	rm.offlineMu.Unlock()

	var affected []structs.TopicPartition
	for _, p := range rm.hosted.OnlinePartitions() {
		if p.DataDir() == dir || strings.HasPrefix(p.DataDir(), dir+"/") {
			affected = append(affected, p.TopicPartition)
		}
	}
	rm.fetcherManager.RemoveFetcherForPartitions(affected)
	rm.alterDirManager.RemoveFetcherForPartitions(affected)
	for _, tp := range affected {
		rm.hosted.PutOffline(tp)
		rm.completeDelayedRequests(tp)
	}
	rm.metrics.OfflineReplicas.Add(float64(len(affected)))

	if err := NewOffsetCheckpoint(filepath.Join(dir, HighWatermarkCheckpointFile)).Delete(); err != nil {
		rm.logger.Error("dropping high watermark checkpoint failed", log.String("dir", dir), log.Error("error", err))
	}
	if err := NewOffsetCheckpoint(filepath.Join(dir, LogStartOffsetCheckpointFile)).Delete(); err != nil {
		rm.logger.Error("dropping log start checkpoint failed", log.String("dir", dir), log.Error("error", err))
	}

	payload, err := structs.Encode(structs.LogDirFailureRequestType, structs.LogDirFailureRequest{
		BrokerID: rm.config.ID,
		Dir:      dir,
	})
	if err != nil {
		rm.logger.Error("encoding log dir failure failed", log.Error("error", err))
		return
	}
	if err := rm.store.NotifyLogDirFailure(payload); err != nil {
		rm.logger.Error("notifying log dir failure failed", log.Error("error", err))
	}
	rm.logger.Info("partitions marked offline",
		log.String("dir", dir),
		log.Int("count", len(affected)))
}
