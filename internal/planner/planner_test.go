package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/store"
)

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New()
	t1 := int64(1000)
	claim1 := &model.Claim{
		ClaimID: "c1", TenantID: "tenant-a", CanonicalText: "acquisitions in the semiconductor industry",
		Confidence: 0.9, Entities: []string{"Acme Corp"}, EventTimeUnix: &t1,
	}
	claim2 := &model.Claim{
		ClaimID: "c2", TenantID: "tenant-a", CanonicalText: "weather patterns over the pacific ocean",
		Confidence: 0.4,
	}
	require.NoError(t, s.IngestBundle(claim1, []*model.Evidence{{
		EvidenceID: "e1", ClaimID: "c1", SourceID: "s1", Stance: model.StanceSupports, SourceQuality: 0.9,
	}}, nil))
	require.NoError(t, s.IngestBundle(claim2, nil, nil))
	return s
}

func TestBuildContextWithNoFiltersHasNoAllowedSet(t *testing.T) {
	s := seedStore(t)
	ctx := BuildContext(Query{TenantID: "tenant-a"}, s, nil, "", time.Now())
	require.False(t, ctx.HasAllowed)
	require.False(t, ctx.HasFiltering)
}

func TestBuildContextEntityFilterNarrowsAllowedSet(t *testing.T) {
	s := seedStore(t)
	ctx := BuildContext(Query{TenantID: "tenant-a", EntityFilters: []string{"Acme Corp"}}, s, nil, "", time.Now())
	require.True(t, ctx.HasAllowed)
	require.Contains(t, ctx.Allowed, "c1")
	require.NotContains(t, ctx.Allowed, "c2")
}

func TestGenerateCandidatesFallsBackToTenantSetWhenTokensMiss(t *testing.T) {
	s := seedStore(t)
	ctx := BuildContext(Query{TenantID: "tenant-a"}, s, nil, "", time.Now())
	candidates := GenerateCandidates(ctx, Query{TenantID: "tenant-a", Text: "zzz-no-match-zzz"}, s, ann.DefaultSearchConfig())
	require.ElementsMatch(t, []string{"c1", "c2"}, candidates)
}

func TestGenerateCandidatesHonorsTemporalRange(t *testing.T) {
	s := seedStore(t)
	from, to := int64(0), int64(1500)
	q := Query{TenantID: "tenant-a", FromUnix: &from, ToUnix: &to}
	ctx := BuildContext(q, s, nil, "", time.Now())
	candidates := GenerateCandidates(ctx, q, s, ann.DefaultSearchConfig())
	require.Equal(t, []string{"c1"}, candidates)
}

func TestScoreCandidatesRanksByBm25AndQuality(t *testing.T) {
	s := seedStore(t)
	corpus := s.TenantCorpus("tenant-a")
	q := Query{TenantID: "tenant-a", Text: "acquisitions semiconductor", TopK: 5}
	results := ScoreCandidates([]string{"c1", "c2"}, q, s, corpus)
	require.NotEmpty(t, results)
	require.Equal(t, "c1", results[0].ClaimID)
	require.Equal(t, "high", results[0].ConfidenceBand)
	require.Equal(t, "supports", results[0].DominantStance)
}

func TestScoreCandidatesSupportOnlyDropsContradicted(t *testing.T) {
	s := store.New()
	claim := &model.Claim{ClaimID: "c1", TenantID: "tenant-a", CanonicalText: "disputed claim text", Confidence: 0.7}
	require.NoError(t, s.IngestBundle(claim, []*model.Evidence{
		{EvidenceID: "e1", ClaimID: "c1", SourceID: "s1", Stance: model.StanceContradicts, SourceQuality: 0.6},
	}, nil))

	corpus := s.TenantCorpus("tenant-a")
	q := Query{TenantID: "tenant-a", Text: "disputed claim", TopK: 5, StanceMode: StanceModeSupportOnly}
	results := ScoreCandidates([]string{"c1"}, q, s, corpus)
	require.Empty(t, results)
}

func TestTemporalAnnotationModesMatch(t *testing.T) {
	from, to := int64(0), int64(2000)
	eventTime := int64(500)
	claim := &model.Claim{EventTimeUnix: &eventTime}
	ann := temporalAnnotation(claim, &from, &to)
	require.Equal(t, "event_time", ann.MatchMode)
	require.True(t, ann.InRange)
}

func TestBuildDiagnosticsClassifiesSources(t *testing.T) {
	ctx := &Context{
		HasSegmentBase:    true,
		SegmentBase:       set{"c1": {}},
		WalDelta:          set{"c2": {}},
		HasStorageVisible: true,
		StorageVisible:    set{"c1": {}, "c2": {}},
	}
	diag := BuildDiagnostics(ctx, []string{"c1", "c2"})
	require.Equal(t, 1, diag.FromSegmentBase)
	require.Equal(t, 1, diag.FromWalDelta)
	require.Equal(t, "segment_disk_base_with_wal_overlay", diag.ExecutionMode)
}
