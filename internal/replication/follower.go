package replication

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dashkv/dash/internal/store"
	"github.com/dashkv/dash/internal/wal"
)

// Stats reports the follower's poll counters: last applied offset,
// attempt/success/failure counts, resyncs, and the last error seen.
type Stats struct {
	LastOffset    int64
	PollAttempts  int64
	PollSuccesses int64
	PollFailures  int64
	ResyncCount   int64
	LastError     string
	LastPolledAt  time.Time
}

// Follower periodically pulls delta frames from a source and replays them
// into the local store and WAL, falling back to a full export when the
// source reports needs_resync.
type Follower struct {
	mu sync.Mutex

	client     SourceClient
	w          *wal.WAL
	storeState *store.Store
	maxRecords int
	log        zerolog.Logger
	stats      Stats
}

func NewFollower(client SourceClient, w *wal.WAL, st *store.Store, maxRecords int, log zerolog.Logger) *Follower {
	return &Follower{client: client, w: w, storeState: st, maxRecords: maxRecords, log: log}
}

// Store returns the follower's current live store, swapped on every
// successful delta apply or resync.
func (f *Follower) Store() *store.Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeState
}

func (f *Follower) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// PollOnce runs one pull-and-apply cycle against the configured source.
func (f *Follower) PollOnce(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.PollAttempts++
	frame, err := f.client.FetchDelta(ctx, f.stats.LastOffset, f.maxRecords)
	if err != nil {
		f.recordFailureLocked(err)
		return err
	}

	if frame.NeedsResync {
		if err := f.resyncLocked(ctx); err != nil {
			f.recordFailureLocked(err)
			return err
		}
		f.recordSuccessLocked()
		return nil
	}

	if err := f.applyDeltaLocked(frame); err != nil {
		f.recordFailureLocked(err)
		return err
	}
	f.stats.LastOffset = frame.NextOffset
	f.recordSuccessLocked()
	return nil
}

func (f *Follower) recordSuccessLocked() {
	f.stats.PollSuccesses++
	f.stats.LastError = ""
	f.stats.LastPolledAt = time.Now()
}

func (f *Follower) recordFailureLocked(err error) {
	f.stats.PollFailures++
	f.stats.LastError = err.Error()
}

// applyDeltaLocked re-validates every delta line against a staging clone
// before durably appending any of them, the same stage-then-commit shape
// the batch ingest path uses.
func (f *Follower) applyDeltaLocked(frame *DeltaFrame) error {
	if len(frame.Lines) == 0 {
		return nil
	}

	staging := f.storeState.Clone()
	for _, line := range frame.Lines {
		if err := staging.ApplyPersistedRecordLine(line); err != nil {
			return err
		}
	}

	point := f.w.BeginRollbackPoint()
	for _, line := range frame.Lines {
		if err := f.w.AppendRawRecordLine(line); err != nil {
			if rbErr := f.w.RollbackTo(point); rbErr != nil {
				f.log.Error().Err(rbErr).Msg("rollback after failed replication append also failed")
			}
			return err
		}
	}

	f.storeState = staging
	return nil
}

// resyncLocked rebuilds the store and WAL from a full source export, used
// when the source has compacted past the follower's last offset.
func (f *Follower) resyncLocked(ctx context.Context) error {
	export, err := f.client.FetchExport(ctx)
	if err != nil {
		return err
	}

	fresh := store.New()
	for _, line := range export.SnapshotLines {
		if err := fresh.ApplyPersistedRecordLine(line); err != nil {
			return err
		}
	}
	for _, line := range export.WalLines {
		if err := fresh.ApplyPersistedRecordLine(line); err != nil {
			return err
		}
	}

	if _, _, err := f.w.CompactWithSnapshot(fresh.SnapshotRecords()); err != nil {
		return err
	}
	for _, line := range export.WalLines {
		if err := f.w.AppendRawRecordLine(line); err != nil {
			return err
		}
	}

	f.storeState = fresh
	f.stats.ResyncCount++
	f.stats.LastOffset = f.w.FileLen()
	return nil
}

// Run polls at interval until ctx is cancelled, logging (but not
// propagating) poll failures so one bad cycle never kills the loop.
func (f *Follower) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.PollOnce(ctx); err != nil {
				f.log.Error().Err(err).Msg("replication poll failed")
			}
		}
	}
}
