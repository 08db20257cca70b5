package reconcile

import "sync/atomic"

type engineStats struct {
	observed        atomic.Int64
	duplicates      atomic.Int64
	nearDuplicates  atomic.Int64
	reconciled      atomic.Int64
	appended        atomic.Int64
	localSent       atomic.Int64
	deletions       atomic.Int64
	deferred        atomic.Int64
	invalid         atomic.Int64
	storageFailures atomic.Int64
	backlogDepth    atomic.Int64
}

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Observed          int64 `json:"observed"`
	Duplicates        int64 `json:"duplicates"`
	NearDuplicates    int64 `json:"near_duplicates"`
	Reconciled        int64 `json:"reconciled"`
	Appended          int64 `json:"appended"`
	LocalSent         int64 `json:"local_sent"`
	Deletions         int64 `json:"deletions"`
	DeferredDeletions int64 `json:"deferred_deletions"`
	Invalid           int64 `json:"invalid"`
	StorageFailures   int64 `json:"storage_failures"`
	BacklogDepth      int64 `json:"backlog_depth"`
}

func (s *engineStats) snapshot() Stats {
	return Stats{
		Observed:          s.observed.Load(),
		Duplicates:        s.duplicates.Load(),
		NearDuplicates:    s.nearDuplicates.Load(),
		Reconciled:        s.reconciled.Load(),
		Appended:          s.appended.Load(),
		LocalSent:         s.localSent.Load(),
		Deletions:         s.deletions.Load(),
		DeferredDeletions: s.deferred.Load(),
		Invalid:           s.invalid.Load(),
		StorageFailures:   s.storageFailures.Load(),
		BacklogDepth:      s.backlogDepth.Load(),
	}
}

// Counters flattens the snapshot for metric exporters.
func (s Stats) Counters() map[string]float64 {
	return map[string]float64{
		"observed_total":           float64(s.Observed),
		"duplicates_total":         float64(s.Duplicates),
		"near_duplicates_total":    float64(s.NearDuplicates),
		"reconciled_total":         float64(s.Reconciled),
		"appended_total":           float64(s.Appended),
		"local_sent_total":         float64(s.LocalSent),
		"deletions_total":          float64(s.Deletions),
		"deferred_deletions_total": float64(s.DeferredDeletions),
		"invalid_total":            float64(s.Invalid),
		"storage_failures_total":   float64(s.StorageFailures),
		"backlog_depth":            float64(s.BacklogDepth),
	}
}
