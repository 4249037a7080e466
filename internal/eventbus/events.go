package eventbus

import "time"

const (
	CycleStarted   = "cycle.started"
	CycleFinished  = "cycle.finished"
	ItemDispatched = "item.dispatched"
	SourceFailed   = "source.failed"
	StorePruned    = "store.pruned"
)

type CycleEvent struct {
	CycleID  string
	Sources  int
	Duration time.Duration // zero on start
	Failed   int
	Skipped  bool
}

type ItemEvent struct {
	CycleID     string
	SourceID    string
	Fingerprint string
	Delivered   bool
	Duration    time.Duration
}

type SourceFailure struct {
	CycleID  string
	SourceID string
	Stage    string // fetch | normalize | dedup | render | dispatch | commit
	Error    string
}

type PruneEvent struct {
	Removed int
}
