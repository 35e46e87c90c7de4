package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/graphreason"
	"github.com/dashkv/dash/internal/ingest"
	"github.com/dashkv/dash/internal/metrics"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/placement"
	"github.com/dashkv/dash/internal/planner"
	"github.com/dashkv/dash/internal/store"
	"github.com/dashkv/dash/internal/wal"
)

// singleShardRouter writes a one-shard, one-replica placement file with
// nodeID as leader for every tenant, so write/read routing always resolves
// locally in tests that don't care about placement gating.
func singleShardRouter(t *testing.T, dir, nodeID string) *placement.Router {
	t.Helper()
	path := filepath.Join(dir, "placements.csv")
	writePlacementCSV(t, path, "tenant-a,shard-0,1,"+nodeID+",leader,healthy\n")
	router, err := placement.NewRouter(path, placement.Config{
		ShardIDs:             []string{"shard-0"},
		VirtualNodesPerShard: 4,
		ReplicaCount:         1,
		ReadPreference:       placement.ReadAnyHealthy,
		ReloadInterval:       time.Hour,
	})
	require.NoError(t, err)
	return router
}

func writePlacementCSV(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestEngine(t *testing.T, nodeID string, checkpoint ingest.CheckpointPolicy) (*Engine, *wal.WAL, *placement.Router) {
	t.Helper()
	dir := t.TempDir()

	w, err := wal.Open(filepath.Join(dir, "wal.log"), wal.Policy{SyncEveryRecords: 1, AppendBufferMaxRecords: 1}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	st := store.New()
	orchestrator := ingest.New(w, st, filepath.Join(dir, "segments"), checkpoint, zerolog.Nop())

	router := singleShardRouter(t, dir, nodeID)

	eng := New(w, orchestrator, router, metrics.NopSink{}, nil, Config{
		LocalNodeID:             nodeID,
		SegmentRoot:             filepath.Join(dir, "segments"),
		SegmentCacheRefresh:     time.Millisecond,
		AnnSearch:               ann.DefaultSearchConfig(),
		Graph:                   graphreason.Config{MaxHops: 2, EdgeDepthDecay: 0.5, SupportPathBonus: 0.1, ContradictionDepthPenalty: 0.2},
		PlacementReadPreference: placement.ReadAnyHealthy,
	}, zerolog.Nop())
	return eng, w, router
}

func claimBundle(id, tenant, text string) ingest.Bundle {
	return ingest.Bundle{
		Claim: &model.Claim{
			ClaimID:       id,
			TenantID:      tenant,
			CanonicalText: text,
			Confidence:    0.9,
			Entities:      []string{"acme"},
		},
	}
}

// TestIngestAndRetrieveRoundTrip covers a claim with supporting evidence
// ingested and then found again by a lexical query against the same tenant.
func TestIngestAndRetrieveRoundTrip(t *testing.T) {
	eng, _, _ := newTestEngine(t, "node-1", ingest.CheckpointPolicy{})

	bundle := claimBundle("c1", "tenant-a", "Company X acquired Company Y")
	bundle.Evidence = []*model.Evidence{
		{EvidenceID: "e1", ClaimID: "c1", SourceID: "src-1", Stance: model.StanceSupports, SourceQuality: 0.8},
	}
	_, err := eng.IngestSingle(bundle, true)
	require.NoError(t, err)

	res, err := eng.Retrieve(planner.Query{TenantID: "tenant-a", Text: "acquired", TopK: 10}, placement.ConsistencyOne)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Equal(t, "c1", res.Results[0].ClaimID)
	require.Equal(t, "supports", res.Results[0].DominantStance)
}

// TestTemporalWindowRetrieve confirms a claim outside the requested
// [from, to] event-time window is excluded from candidates.
func TestTemporalWindowRetrieve(t *testing.T) {
	eng, _, _ := newTestEngine(t, "node-1", ingest.CheckpointPolicy{})

	inWindow := int64(1000)
	outOfWindow := int64(9000)

	b1 := claimBundle("c-in", "tenant-a", "quarterly revenue rose")
	b1.Claim.EventTimeUnix = &inWindow
	require.NoError(t, ingestOK(t, eng, b1))

	b2 := claimBundle("c-out", "tenant-a", "quarterly revenue rose")
	b2.Claim.EventTimeUnix = &outOfWindow
	require.NoError(t, ingestOK(t, eng, b2))

	from, to := int64(0), int64(2000)
	res, err := eng.Retrieve(planner.Query{TenantID: "tenant-a", Text: "quarterly revenue", TopK: 10, FromUnix: &from, ToUnix: &to}, placement.ConsistencyOne)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Equal(t, "c-in", res.Results[0].ClaimID)
}

func ingestOK(t *testing.T, eng *Engine, b ingest.Bundle) error {
	t.Helper()
	_, err := eng.IngestSingle(b, true)
	return err
}

// TestStanceSupportOnlyFiltering confirms a claim whose evidence leans
// contradicts is dropped once the query sets StanceModeSupportOnly.
func TestStanceSupportOnlyFiltering(t *testing.T) {
	eng, _, _ := newTestEngine(t, "node-1", ingest.CheckpointPolicy{})

	supported := claimBundle("c-supported", "tenant-a", "the merger closed")
	supported.Evidence = []*model.Evidence{{EvidenceID: "e1", ClaimID: "c-supported", SourceID: "s1", Stance: model.StanceSupports, SourceQuality: 0.9}}
	require.NoError(t, ingestOK(t, eng, supported))

	disputed := claimBundle("c-disputed", "tenant-a", "the merger closed")
	disputed.Evidence = []*model.Evidence{
		{EvidenceID: "e2", ClaimID: "c-disputed", SourceID: "s2", Stance: model.StanceContradicts, SourceQuality: 0.9},
		{EvidenceID: "e3", ClaimID: "c-disputed", SourceID: "s3", Stance: model.StanceContradicts, SourceQuality: 0.9},
	}
	require.NoError(t, ingestOK(t, eng, disputed))

	res, err := eng.Retrieve(planner.Query{TenantID: "tenant-a", Text: "merger closed", TopK: 10, StanceMode: planner.StanceModeSupportOnly}, placement.ConsistencyOne)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Equal(t, "c-supported", res.Results[0].ClaimID)
}

// TestCheckpointTriggersOnRecordThreshold confirms the checkpoint fires as
// soon as the WAL crosses the configured record count and reports it back
// through IngestResult.
func TestCheckpointTriggersOnRecordThreshold(t *testing.T) {
	eng, w, _ := newTestEngine(t, "node-1", ingest.CheckpointPolicy{MaxWalRecords: 1})

	result, err := eng.IngestSingle(claimBundle("c1", "tenant-a", "a fact"), true)
	require.NoError(t, err)
	require.True(t, result.CheckpointTriggered)
	require.Equal(t, int64(0), w.WalRecords())
}

// TestVectorUpsertAndANNRetrieve confirms a claim with a near-identical
// embedding outranks an unrelated one for a vector query.
func TestVectorUpsertAndANNRetrieve(t *testing.T) {
	eng, _, _ := newTestEngine(t, "node-1", ingest.CheckpointPolicy{})

	near := claimBundle("c-near", "tenant-a", "unrelated words here")
	near.Vector = []float32{1, 0, 0, 0}
	require.NoError(t, ingestOK(t, eng, near))

	far := claimBundle("c-far", "tenant-a", "unrelated words here")
	far.Vector = []float32{0, 1, 0, 0}
	require.NoError(t, ingestOK(t, eng, far))

	res, err := eng.Retrieve(planner.Query{TenantID: "tenant-a", QueryVector: []float32{0.9, 0.1, 0, 0}, TopK: 5}, placement.ConsistencyOne)
	require.NoError(t, err)
	require.True(t, len(res.Results) >= 1)
	require.Equal(t, "c-near", res.Results[0].ClaimID)
}

// TestBatchIngestIdempotency confirms a commit replayed under the same
// commit_id and payload hash returns the original outcome without
// re-applying, while a different payload under the same commit_id is a
// conflict.
func TestBatchIngestIdempotency(t *testing.T) {
	eng, _, _ := newTestEngine(t, "node-1", ingest.CheckpointPolicy{})

	bundles := []ingest.Bundle{claimBundle("c1", "tenant-a", "fact one"), claimBundle("c2", "tenant-a", "fact two")}

	first, err := eng.BatchIngest("tenant-a", "commit-1", bundles, "hash-a", 1000)
	require.NoError(t, err)
	require.False(t, first.IdempotentReplay)
	require.ElementsMatch(t, []string{"c1", "c2"}, first.ClaimIDs)

	replay, err := eng.BatchIngest("tenant-a", "commit-1", bundles, "hash-a", 1000)
	require.NoError(t, err)
	require.True(t, replay.IdempotentReplay)
	require.ElementsMatch(t, []string{"c1", "c2"}, replay.ClaimIDs)

	_, err = eng.BatchIngest("tenant-a", "commit-1", bundles, "hash-b", 1000)
	require.Error(t, err)
	de, ok := dasherr.As(err)
	require.True(t, ok)
	require.Equal(t, dasherr.KindConflict, de.Kind)
}

// TestWriteRouteRejectsNonLeaderThenRecoversAfterPromotion exercises the
// placement gate end to end: a write against a node that isn't the
// resolved leader is rejected with a route error, and succeeds once the
// placement file is rewritten to promote that node.
func TestWriteRouteRejectsNonLeaderThenRecoversAfterPromotion(t *testing.T) {
	dir := t.TempDir()
	placementPath := filepath.Join(dir, "placements.csv")
	writePlacementCSV(t, placementPath, "tenant-a,shard-0,1,node-2,leader,healthy\ntenant-a,shard-0,1,node-1,follower,healthy\n")

	router, err := placement.NewRouter(placementPath, placement.Config{
		ShardIDs:             []string{"shard-0"},
		VirtualNodesPerShard: 4,
		ReplicaCount:         2,
		ReadPreference:       placement.ReadAnyHealthy,
		ReloadInterval:       -time.Second,
	})
	require.NoError(t, err)

	w, err := wal.Open(filepath.Join(dir, "wal.log"), wal.Policy{SyncEveryRecords: 1, AppendBufferMaxRecords: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()
	st := store.New()
	orchestrator := ingest.New(w, st, filepath.Join(dir, "segments"), ingest.CheckpointPolicy{}, zerolog.Nop())

	eng := New(w, orchestrator, router, metrics.NopSink{}, nil, Config{
		LocalNodeID:             "node-1",
		SegmentRoot:             filepath.Join(dir, "segments"),
		SegmentCacheRefresh:     time.Millisecond,
		AnnSearch:               ann.DefaultSearchConfig(),
		PlacementReadPreference: placement.ReadAnyHealthy,
	}, zerolog.Nop())

	_, err = eng.IngestSingle(claimBundle("c1", "tenant-a", "some fact"), true)
	require.Error(t, err)
	de, ok := dasherr.As(err)
	require.True(t, ok)
	require.Equal(t, dasherr.KindWriteRoute, de.Kind)

	writePlacementCSV(t, placementPath, "tenant-a,shard-0,2,node-1,leader,healthy\ntenant-a,shard-0,1,node-2,follower,healthy\n")

	result, err := eng.IngestSingle(claimBundle("c1", "tenant-a", "some fact"), true)
	require.NoError(t, err)
	require.Equal(t, "c1", result.ClaimID)
}
