// Package wal implements the durable, append-only record log: buffered
// writes with a policy-driven fsync cadence, rollback points for atomic
// batch aborts, snapshot/truncate compaction, and the delta/export
// framing the replication follower consumes. Records are line-oriented
// UTF-8 text; snapshots are written to a temp file and renamed into
// place so readers never observe a partial one.
package wal

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/model"
)

const snapshotHeader = "SNAP\t1"

// RollbackPoint is a lightweight bookmark captured before a batch append,
// letting the caller undo the whole batch atomically on failure.
type RollbackPoint struct {
	WalRecords int64
	FileLen    int64
	BufferLen  int
}

// WAL is a single append-only log file plus its sibling snapshot file.
// Only one writer may hold a WAL at a time (external discipline); all
// methods are safe to call concurrently with each other.
type WAL struct {
	mu sync.Mutex

	path         string
	snapshotPath string
	file         *os.File
	policy       Policy

	buffer          []string // lines appended but not yet flushed to file
	fileLen         int64    // bytes physically written to file (flushed)
	walRecords      int64    // live record count = records in file + buffer
	unsyncedRecords int64
	lastSyncAt      time.Time

	done   chan struct{}
	ticker *time.Ticker
	closed bool

	log zerolog.Logger
}

// Open creates the parent directory if needed, opens (or creates) the WAL
// file, and counts existing non-empty lines to seed walRecords.
func Open(path string, policy Policy, log zerolog.Logger) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, dasherr.Io("failed to create wal directory", err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, dasherr.Io("failed to read existing wal file", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, dasherr.Io("failed to open wal file", err)
	}

	var recordCount int64
	if len(existing) > 0 {
		for _, line := range strings.Split(strings.TrimRight(string(existing), "\n"), "\n") {
			if line != "" {
				recordCount++
			}
		}
	}

	w := &WAL{
		path:         path,
		snapshotPath: path + ".snapshot",
		file:         f,
		policy:       policy,
		fileLen:      int64(len(existing)),
		walRecords:   recordCount,
		lastSyncAt:   time.Now(),
		done:         make(chan struct{}),
		log:          log.With().Str("component", "wal").Str("path", path).Logger(),
	}

	if policy.SyncInterval > 0 {
		w.ticker = time.NewTicker(policy.SyncInterval)
		go w.backgroundFlush()
	}

	return w, nil
}

func (w *WAL) Path() string { return w.path }

func (w *WAL) WalRecords() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.walRecords
}

func (w *WAL) FileLen() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fileLen
}

// AppendRecord serializes r to one line, buffers it, and applies the
// configured flush/sync policy.
func (w *WAL) AppendRecord(r *model.WalRecord) error {
	line, err := EncodeLine(r)
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

// AppendRawRecordLine accepts an already-serialized line verbatim, used
// by the replication follower so it never re-encodes a decoded record.
func (w *WAL) AppendRawRecordLine(s string) error {
	return w.appendLine(s)
}

func (w *WAL) appendLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer = append(w.buffer, line)
	w.walRecords++
	w.unsyncedRecords++

	if w.policy.BackgroundFlushOnly {
		return nil
	}

	if len(w.buffer) >= w.policy.AppendBufferMaxRecords {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	if w.unsyncedRecords >= int64(w.policy.SyncEveryRecords) || w.intervalElapsedLocked() {
		return w.syncLocked()
	}
	return nil
}

func (w *WAL) intervalElapsedLocked() bool {
	if w.policy.SyncInterval <= 0 {
		return false
	}
	return time.Since(w.lastSyncAt) >= w.policy.SyncInterval
}

// FlushPendingSyncIfIntervalElapsed is driven by the background ticker.
func (w *WAL) FlushPendingSyncIfIntervalElapsed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.intervalElapsedLocked() {
		return nil
	}
	return w.syncLocked()
}

// FlushPendingSyncIfUnsynced forces a sync when any unsynced records are
// pending, regardless of the interval; used on shutdown paths.
func (w *WAL) FlushPendingSyncIfUnsynced() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unsyncedRecords == 0 {
		return nil
	}
	return w.syncLocked()
}

func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	bw := bufio.NewWriter(w.file)
	for _, line := range w.buffer {
		if _, err := bw.WriteString(line); err != nil {
			return dasherr.Io("failed to write wal line", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return dasherr.Io("failed to write wal newline", err)
		}
		w.fileLen += int64(len(line)) + 1
	}
	if err := bw.Flush(); err != nil {
		return dasherr.Io("failed to flush wal writer", err)
	}
	w.buffer = w.buffer[:0]
	return nil
}

func (w *WAL) syncLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return dasherr.Io("failed to fsync wal file", err)
	}
	w.unsyncedRecords = 0
	w.lastSyncAt = time.Now()
	return nil
}

// BeginRollbackPoint captures the current position so a subsequent batch
// append can be undone atomically.
func (w *WAL) BeginRollbackPoint() RollbackPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return RollbackPoint{
		WalRecords: w.walRecords,
		FileLen:    w.fileLen,
		BufferLen:  len(w.buffer),
	}
}

// RollbackTo truncates the append buffer and the file back to the state
// captured by point, discarding everything appended since.
func (w *WAL) RollbackTo(point RollbackPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if point.BufferLen <= len(w.buffer) {
		w.buffer = w.buffer[:point.BufferLen]
	}
	if err := w.file.Truncate(point.FileLen); err != nil {
		return dasherr.Io("failed to truncate wal file on rollback", err)
	}
	w.fileLen = point.FileLen
	w.walRecords = point.WalRecords
	w.unsyncedRecords = 0
	return nil
}

// Replay yields every record in durability order: snapshot first (if
// present), then the WAL file tail, then any still-buffered lines. Any
// malformed line aborts with a KindParse error.
func (w *WAL) Replay() ([]*model.WalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []*model.WalRecord

	if snapLines, err := w.readSnapshotLinesLocked(); err != nil {
		return nil, err
	} else if snapLines != nil {
		for _, line := range snapLines {
			rec, err := DecodeLine(line)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}

	fileLines, err := w.readFileLinesLocked()
	if err != nil {
		return nil, err
	}
	for _, line := range fileLines {
		rec, err := DecodeLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	for _, line := range w.buffer {
		rec, err := DecodeLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, nil
}

func (w *WAL) readSnapshotLinesLocked() ([]string, error) {
	data, err := os.ReadFile(w.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dasherr.Io("failed to read snapshot file", err)
	}
	lines := splitNonEmptyLines(string(data))
	if len(lines) == 0 || lines[0] != snapshotHeader {
		return nil, dasherr.Parse("snapshot file missing valid header", nil)
	}
	return lines[1:], nil
}

func (w *WAL) readFileLinesLocked() ([]string, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, dasherr.Io("failed to read wal file", err)
	}
	return splitNonEmptyLines(string(data)), nil
}

func splitNonEmptyLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// SnapshotStat describes the WAL's current snapshot file, if one exists.
type SnapshotStat struct {
	Path    string
	Exists  bool
	Records int
	Bytes   int64
}

// SnapshotStat reports whether a snapshot exists beside the WAL and, if
// so, how many records it holds; used by the checkpoints debug surface.
func (w *WAL) SnapshotStat() (SnapshotStat, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stat := SnapshotStat{Path: w.snapshotPath}
	info, err := os.Stat(w.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return stat, nil
		}
		return stat, dasherr.Io("failed to stat snapshot file", err)
	}
	lines, err := w.readSnapshotLinesLocked()
	if err != nil {
		return stat, err
	}
	stat.Exists = true
	stat.Records = len(lines)
	stat.Bytes = info.Size()
	return stat, nil
}

// WriteSnapshot writes records to a temp file beside the WAL, fsyncs it,
// and atomically renames it over the snapshot path.
func (w *WAL) WriteSnapshot(records []*model.WalRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSnapshotLocked(records)
}

func (w *WAL) writeSnapshotLocked(records []*model.WalRecord) error {
	var b strings.Builder
	b.WriteString(snapshotHeader)
	b.WriteByte('\n')
	for _, r := range records {
		line, err := EncodeLine(r)
		if err != nil {
			return err
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	tmpPath := w.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dasherr.Io("failed to create snapshot temp file", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return dasherr.Io("failed to write snapshot temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dasherr.Io("failed to fsync snapshot temp file", err)
	}
	if err := f.Close(); err != nil {
		return dasherr.Io("failed to close snapshot temp file", err)
	}
	if err := os.Rename(tmpPath, w.snapshotPath); err != nil {
		return dasherr.Io("failed to rename snapshot into place", err)
	}
	return nil
}

// CompactWithSnapshot writes a snapshot of records, then truncates the
// WAL file, returning how many records went into each.
func (w *WAL) CompactWithSnapshot(records []*model.WalRecord) (snapshotRecords, truncatedWalRecords int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return 0, 0, err
	}
	if err := w.writeSnapshotLocked(records); err != nil {
		return 0, 0, err
	}

	truncated := w.walRecords
	if err := w.file.Truncate(0); err != nil {
		return 0, 0, dasherr.Io("failed to truncate wal file on compaction", err)
	}
	w.fileLen = 0
	w.walRecords = 0
	w.unsyncedRecords = 0
	w.buffer = w.buffer[:0]

	w.log.Info().Int("snapshot_records", len(records)).Int64("truncated_wal_records", truncated).Msg("checkpoint compacted wal")
	return len(records), int(truncated), nil
}

// ReplicationDeltaFrom returns the WAL lines from absoluteOffset onward,
// capped at maxRecords, along with the offset to resume from next time.
// needsResync is true when absoluteOffset refers to data a prior
// compaction has already subsumed into a snapshot.
func (w *WAL) ReplicationDeltaFrom(absoluteOffset int64, maxRecords int) (nextOffset int64, lines []string, needsResync bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return 0, nil, false, err
	}

	if absoluteOffset < 0 || absoluteOffset > w.fileLen {
		return w.fileLen, nil, true, nil
	}

	data, rerr := os.ReadFile(w.path)
	if rerr != nil {
		return 0, nil, false, dasherr.Io("failed to read wal file for replication", rerr)
	}
	tail := data[absoluteOffset:]
	all := splitNonEmptyLines(string(tail))
	if maxRecords > 0 && len(all) > maxRecords {
		all = all[:maxRecords]
	}

	consumed := int64(0)
	for _, l := range all {
		consumed += int64(len(l)) + 1
	}
	return absoluteOffset + consumed, all, false, nil
}

// ReplicationExport returns the full snapshot and WAL tail, suitable for
// a follower to rebuild its store from scratch.
func (w *WAL) ReplicationExport() (snapshotLines []string, walLines []string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return nil, nil, err
	}
	snapLines, err := w.readSnapshotLinesLocked()
	if err != nil {
		return nil, nil, err
	}
	fileLines, err := w.readFileLinesLocked()
	if err != nil {
		return nil, nil, err
	}
	return snapLines, fileLines, nil
}

func (w *WAL) backgroundFlush() {
	for {
		select {
		case <-w.ticker.C:
			if err := w.FlushPendingSyncIfIntervalElapsed(); err != nil {
				w.log.Error().Err(err).Msg("background wal sync failed")
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the background ticker and performs a final sync.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}
	err := w.syncLocked()
	w.mu.Unlock()
	if err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
