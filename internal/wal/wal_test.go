package wal

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/model"
)

func testPolicy() Policy {
	return Policy{
		SyncEveryRecords:       1,
		AppendBufferMaxRecords: 1,
	}
}

func claimRecord(id string) *model.WalRecord {
	return &model.WalRecord{
		Kind: model.WalKindClaim,
		Claim: &model.Claim{
			ClaimID:       id,
			TenantID:      "tenant-a",
			CanonicalText: "Company X acquired Company Y",
			Confidence:    0.9,
			Entities:      []string{"Company X", "Company Y"},
		},
	}
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), testPolicy(), zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendRecord(claimRecord("c1")))
	require.NoError(t, w.AppendRecord(claimRecord("c2")))

	records, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "c1", records[0].Claim.ClaimID)
	require.Equal(t, "c2", records[1].Claim.ClaimID)
	require.Equal(t, []string{"Company X", "Company Y"}, records[0].Claim.Entities)
}

func TestRollbackToDiscardsBatch(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), testPolicy(), zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendRecord(claimRecord("c1")))
	point := w.BeginRollbackPoint()

	require.NoError(t, w.AppendRecord(claimRecord("c2")))
	require.NoError(t, w.AppendRecord(claimRecord("c3")))

	require.NoError(t, w.RollbackTo(point))

	records, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "c1", records[0].Claim.ClaimID)
	require.Equal(t, point.FileLen, w.FileLen())
}

func TestCompactWithSnapshotTruncatesWal(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), testPolicy(), zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendRecord(claimRecord("c1")))
	require.NoError(t, w.AppendRecord(claimRecord("c2")))

	snapRecords, truncated, err := w.CompactWithSnapshot([]*model.WalRecord{claimRecord("c1"), claimRecord("c2")})
	require.NoError(t, err)
	require.Equal(t, 2, snapRecords)
	require.Equal(t, 2, truncated)
	require.Equal(t, int64(0), w.FileLen())

	records, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestReplicationDeltaNeedsResyncAfterCompaction(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), testPolicy(), zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendRecord(claimRecord("c1")))
	offsetBefore := w.FileLen()

	_, _, err = w.CompactWithSnapshot([]*model.WalRecord{claimRecord("c1")})
	require.NoError(t, err)

	_, _, needsResync, err := w.ReplicationDeltaFrom(offsetBefore, 10)
	require.NoError(t, err)
	require.True(t, needsResync)
}

func TestSnapshotStatReportsRecordsAfterCompaction(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), testPolicy(), zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	stat, err := w.SnapshotStat()
	require.NoError(t, err)
	require.False(t, stat.Exists)

	require.NoError(t, w.AppendRecord(claimRecord("c1")))
	_, _, err = w.CompactWithSnapshot([]*model.WalRecord{claimRecord("c1")})
	require.NoError(t, err)

	stat, err = w.SnapshotStat()
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.Equal(t, 1, stat.Records)
	require.Positive(t, stat.Bytes)
}

func TestReplayRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, testPolicy(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.AppendRawRecordLine("C\tnot-enough-fields"))
	require.NoError(t, w.Close())

	w2, err := Open(path, testPolicy(), zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.Replay()
	require.Error(t, err)
}
