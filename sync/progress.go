package sync

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Progress is a snapshot of a sync run for operators.
type Progress struct {
	Pivot    PivotState
	Finished bool

	// PercentComplete is the share of the account key space covered by
	// account ranges.
	PercentComplete float64

	AccountRequests int64
	StorageRequests int64
	CodeRequests    int64
	RefreshRequests int64

	ReadyPartitions int
	StorageTasks    int
	SubRanges       int
	CodeTasks       int
	RefreshTasks    int
	Pending         int64

	Accounts uint64
	Slots    uint64
	Codes    uint64
	Bytes    uint64

	StartTime           time.Time
	EstimatedCompletion time.Time
}

// Progress returns the current progress snapshot.
func (s *Syncer) Progress() Progress {
	stats := s.store.Stats()
	info := Progress{
		Pivot:           s.pivot.pivot(),
		Finished:        s.finished.Load(),
		AccountRequests: s.inflight[KindAccountRange].Load(),
		StorageRequests: s.inflight[KindStorageRange].Load(),
		CodeRequests:    s.inflight[KindBytecode].Load(),
		RefreshRequests: s.inflight[KindRefresh].Load(),
		ReadyPartitions: s.parts.ready.len(),
		StorageTasks:    s.storageTasks.len(),
		SubRanges:       s.subRanges.len(),
		CodeTasks:       s.codeTasks.len(),
		RefreshTasks:    s.refresh.len(),
		Pending:         s.pending.Load(),
		Accounts:        stats.Accounts,
		Slots:           stats.Slots,
		Codes:           stats.Codes,
		Bytes:           stats.Bytes,
	}
	if info.Finished {
		info.PercentComplete = 100
	} else {
		info.PercentComplete = s.parts.progress() * 100
	}
	if started := s.started.Load(); started != 0 {
		info.StartTime = time.Unix(0, started)
	}

	// Estimate completion from the key space rate so far.
	if !info.StartTime.IsZero() && info.PercentComplete > 0 && info.PercentComplete < 100 {
		elapsed := time.Since(info.StartTime)
		total := time.Duration(float64(elapsed) * 100 / info.PercentComplete)
		info.EstimatedCompletion = info.StartTime.Add(total)
	}
	return info
}

// logProgress writes one progress line and refreshes the queue gauges.
func (s *Syncer) logProgress() {
	info := s.Progress()

	queueGauge.WithLabelValues("partitions").Set(float64(info.ReadyPartitions))
	queueGauge.WithLabelValues("storage").Set(float64(info.StorageTasks))
	queueGauge.WithLabelValues("subrange").Set(float64(info.SubRanges))
	queueGauge.WithLabelValues("code").Set(float64(info.CodeTasks))
	queueGauge.WithLabelValues("refresh").Set(float64(info.RefreshTasks))
	rangeProgress.Set(info.PercentComplete)

	var eta common.PrettyDuration
	if !info.EstimatedCompletion.IsZero() {
		eta = common.PrettyDuration(time.Until(info.EstimatedCompletion))
	}
	s.log.Info("Syncing state", "pivot", info.Pivot.Number, "stale", info.Pivot.Stale,
		"percent", fmt.Sprintf("%.2f%%", info.PercentComplete),
		"accounts", info.Accounts, "slots", info.Slots, "codes", info.Codes,
		"bytes", common.StorageSize(info.Bytes),
		"accreq", info.AccountRequests, "storreq", info.StorageRequests,
		"codereq", info.CodeRequests, "refreq", info.RefreshRequests,
		"refresh", info.RefreshTasks, "pending", info.Pending, "eta", eta)
}
