package engine

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/ingest"
	"github.com/dashkv/dash/internal/metrics"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/placement"
	"github.com/dashkv/dash/internal/planner"
	"github.com/dashkv/dash/internal/store"
	"github.com/dashkv/dash/internal/wal"
)

// TestReadConsistencyGateRequiresEnoughReadableReplicas retrieves under
// each consistency level against a shard where one of two replicas is
// unavailable: "one" passes, "quorum" and "all" are rejected.
func TestReadConsistencyGateRequiresEnoughReadableReplicas(t *testing.T) {
	dir := t.TempDir()
	placementPath := filepath.Join(dir, "placements.csv")
	writePlacementCSV(t, placementPath,
		"tenant-a,shard-0,1,node-1,leader,healthy\ntenant-a,shard-0,1,node-2,follower,unavailable\n")

	router, err := placement.NewRouter(placementPath, placement.Config{
		ShardIDs:             []string{"shard-0"},
		VirtualNodesPerShard: 4,
		ReplicaCount:         2,
		ReadPreference:       placement.ReadAnyHealthy,
		ReloadInterval:       time.Hour,
	})
	require.NoError(t, err)

	w, err := wal.Open(filepath.Join(dir, "wal.log"), wal.Policy{SyncEveryRecords: 1, AppendBufferMaxRecords: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()
	orchestrator := ingest.New(w, store.New(), filepath.Join(dir, "segments"), ingest.CheckpointPolicy{}, zerolog.Nop())

	eng := New(w, orchestrator, router, metrics.NopSink{}, nil, Config{
		LocalNodeID:             "node-1",
		SegmentRoot:             filepath.Join(dir, "segments"),
		SegmentCacheRefresh:     time.Millisecond,
		AnnSearch:               ann.DefaultSearchConfig(),
		PlacementReadPreference: placement.ReadAnyHealthy,
	}, zerolog.Nop())

	_, err = eng.IngestSingle(claimBundle("c1", "tenant-a", "a plain fact"), true)
	require.NoError(t, err)

	_, err = eng.Retrieve(planner.Query{TenantID: "tenant-a", Text: "plain fact", TopK: 1}, placement.ConsistencyOne)
	require.NoError(t, err)

	for _, level := range []placement.ReadConsistency{placement.ConsistencyQuorum, placement.ConsistencyAll} {
		_, err = eng.Retrieve(planner.Query{TenantID: "tenant-a", Text: "plain fact", TopK: 1}, level)
		require.Error(t, err)
		de, ok := dasherr.As(err)
		require.True(t, ok)
		require.Equal(t, dasherr.KindConsistencyUnavailable, de.Kind)
	}
}

// TestContradictionDetectionProbe ingests ten claims with known ground
// truth (five support-majority, five contradict-majority) and checks that
// labelling a result "contradicted" whenever contradicts > supports
// recovers the ground truth with F1 >= 0.80 under balanced retrieval.
func TestContradictionDetectionProbe(t *testing.T) {
	eng, _, _ := newTestEngine(t, "node-1", ingest.CheckpointPolicy{})

	stancesFor := func(i int, contradictMajority bool) []model.Stance {
		if contradictMajority {
			return []model.Stance{model.StanceContradicts, model.StanceContradicts, model.StanceSupports}
		}
		return []model.Stance{model.StanceSupports, model.StanceSupports, model.StanceContradicts}
	}

	truth := make(map[string]bool, 10)
	for i := 0; i < 10; i++ {
		contradicted := i >= 5
		id := fmt.Sprintf("probe-%d", i)
		truth[id] = contradicted

		b := ingest.Bundle{Claim: &model.Claim{
			ClaimID:       id,
			TenantID:      "tenant-a",
			CanonicalText: fmt.Sprintf("probe statement number %d about the launch", i),
			Confidence:    0.7,
		}}
		for j, stance := range stancesFor(i, contradicted) {
			b.Evidence = append(b.Evidence, &model.Evidence{
				EvidenceID:    fmt.Sprintf("%s-e%d", id, j),
				ClaimID:       id,
				SourceID:      fmt.Sprintf("src-%d", j),
				Stance:        stance,
				SourceQuality: 0.6,
			})
		}
		_, err := eng.IngestSingle(b, true)
		require.NoError(t, err)
	}

	res, err := eng.Retrieve(planner.Query{TenantID: "tenant-a", Text: "probe statement launch", TopK: 10}, placement.ConsistencyOne)
	require.NoError(t, err)
	require.Len(t, res.Results, 10)

	var tp, fp, fn int
	for _, r := range res.Results {
		var supports, contradicts int
		for _, c := range r.Citations {
			switch c.Stance {
			case model.StanceSupports:
				supports++
			case model.StanceContradicts:
				contradicts++
			}
		}
		predicted := contradicts > supports
		switch {
		case predicted && truth[r.ClaimID]:
			tp++
		case predicted && !truth[r.ClaimID]:
			fp++
		case !predicted && truth[r.ClaimID]:
			fn++
		}
	}

	require.Positive(t, tp)
	precision := float64(tp) / float64(tp+fp)
	recall := float64(tp) / float64(tp+fn)
	f1 := 2 * precision * recall / (precision + recall)
	require.GreaterOrEqual(t, f1, 0.80)
}
