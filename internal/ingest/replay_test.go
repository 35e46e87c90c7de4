package ingest

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/store"
	"github.com/dashkv/dash/internal/wal"
)

// TestReplayReconstructsStore checks the durability invariant: replaying
// the WAL into a fresh store yields the same claims, evidence, vectors and
// batch metadata as the live store that produced it.
func TestReplayReconstructsStore(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	w, err := wal.Open(walPath, wal.Policy{SyncEveryRecords: 1, AppendBufferMaxRecords: 1}, zerolog.Nop())
	require.NoError(t, err)
	o := New(w, store.New(), filepath.Join(dir, "segments"), CheckpointPolicy{}, zerolog.Nop())

	withEvidence := sampleBundle("c1")
	withEvidence.Evidence = []*model.Evidence{{
		EvidenceID: "e1", ClaimID: "c1", SourceID: "src-1",
		Stance: model.StanceSupports, SourceQuality: 0.8,
	}}
	withEvidence.Vector = []float32{0.1, 0.2, 0.3}
	_, err = o.IngestSingle(withEvidence, true)
	require.NoError(t, err)

	_, err = o.BatchIngest("commit-r1", []Bundle{sampleBundle("c2"), sampleBundle("c3")}, "hash-r1", 1000)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := wal.Open(walPath, wal.Policy{SyncEveryRecords: 1, AppendBufferMaxRecords: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	records, err := w2.Replay()
	require.NoError(t, err)

	rebuilt := store.New()
	for _, r := range records {
		require.NoError(t, rebuilt.ApplyRecord(r))
	}

	live := o.Store().IndexStats()
	replayed := rebuilt.IndexStats()
	require.Equal(t, live.TotalClaims, replayed.TotalClaims)
	require.Equal(t, live.TotalEvidence, replayed.TotalEvidence)
	require.Equal(t, live.TotalVectors, replayed.TotalVectors)
	require.Equal(t, live.TenantClaimLens, replayed.TenantClaimLens)

	vec, ok := rebuilt.ClaimVector("c1")
	require.True(t, ok)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec.Vector)

	bc, ok := rebuilt.BatchCommitMetadata("commit-r1")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"c2", "c3"}, bc.ClaimIDs)
}

// TestReplayAfterCheckpointMatchesReplayBefore checks checkpoint
// equivalence: compacting into a snapshot then replaying restores the same
// store as replaying the uncompacted log.
func TestReplayAfterCheckpointMatchesReplayBefore(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	w, err := wal.Open(walPath, wal.Policy{SyncEveryRecords: 1, AppendBufferMaxRecords: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	o := New(w, store.New(), filepath.Join(dir, "segments"), CheckpointPolicy{}, zerolog.Nop())
	_, err = o.IngestSingle(sampleBundle("c1"), true)
	require.NoError(t, err)
	_, err = o.IngestSingle(sampleBundle("c2"), true)
	require.NoError(t, err)

	before, err := w.Replay()
	require.NoError(t, err)

	_, _, err = w.CompactWithSnapshot(o.Store().SnapshotRecords())
	require.NoError(t, err)

	after, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, after, len(before))

	rebuilt := store.New()
	for _, r := range after {
		require.NoError(t, rebuilt.ApplyRecord(r))
	}
	_, ok := rebuilt.Claim("c1")
	require.True(t, ok)
	_, ok = rebuilt.Claim("c2")
	require.True(t, ok)
}
