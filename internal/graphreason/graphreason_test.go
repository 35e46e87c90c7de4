package graphreason

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/model"
)

func defaultConfig() Config {
	return Config{MaxHops: 3, EdgeDepthDecay: 0.5, SupportPathBonus: 0.2, ContradictionDepthPenalty: 0.4}
}

func TestReasonAccumulatesDecayedScoreAcrossHops(t *testing.T) {
	edges := []*model.ClaimEdge{
		{EdgeID: "g1", FromClaimID: "c1", ToClaimID: "c2", Relation: model.RelationSupports, Strength: 1.0},
		{EdgeID: "g2", FromClaimID: "c2", ToClaimID: "c3", Relation: model.RelationSupports, Strength: 1.0},
	}
	results := Reason([]string{"c1"}, edges, defaultConfig())

	require.Contains(t, results, "c2")
	require.Contains(t, results, "c3")
	require.Greater(t, results["c2"].GraphScore, results["c3"].GraphScore)
	require.Equal(t, 1, results["c2"].SupportPathCount)
}

func TestReasonTracksMinimumContradictionDepth(t *testing.T) {
	edges := []*model.ClaimEdge{
		{EdgeID: "g1", FromClaimID: "c1", ToClaimID: "c2", Relation: model.RelationContradicts, Strength: 0.5},
	}
	results := Reason([]string{"c1"}, edges, defaultConfig())
	require.Equal(t, 1, results["c2"].ContradictionChainDepth)
}

func TestReasonRespectsMaxHops(t *testing.T) {
	edges := []*model.ClaimEdge{
		{EdgeID: "g1", FromClaimID: "c1", ToClaimID: "c2", Relation: model.RelationSupports, Strength: 1.0},
		{EdgeID: "g2", FromClaimID: "c2", ToClaimID: "c3", Relation: model.RelationSupports, Strength: 1.0},
		{EdgeID: "g3", FromClaimID: "c3", ToClaimID: "c4", Relation: model.RelationSupports, Strength: 1.0},
	}
	results := Reason([]string{"c1"}, edges, Config{MaxHops: 2, EdgeDepthDecay: 0.5})
	require.Contains(t, results, "c3")
	require.NotContains(t, results, "c4")
}

func TestReasonNeverReturnsNegativeScore(t *testing.T) {
	edges := []*model.ClaimEdge{
		{EdgeID: "g1", FromClaimID: "c1", ToClaimID: "c2", Relation: model.RelationContradicts, Strength: 0.1},
	}
	results := Reason([]string{"c1"}, edges, Config{MaxHops: 1, EdgeDepthDecay: 1.0, ContradictionDepthPenalty: 5.0})
	require.GreaterOrEqual(t, results["c2"].GraphScore, float32(0))
}
