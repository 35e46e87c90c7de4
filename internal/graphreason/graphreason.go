// Package graphreason implements the bounded graph-enrichment pass over
// claim edges: an adjacency-map BFS with depth-decayed reachability
// scoring, support-path counting, and contradiction-chain depth
// tracking. The pass is pure and deterministic given sorted edge inputs.
package graphreason

import "github.com/dashkv/dash/internal/model"

// Config tunes one reasoning pass.
type Config struct {
	MaxHops                 int
	EdgeDepthDecay           float32
	SupportPathBonus         float32
	ContradictionDepthPenalty float32
}

// NodeResult is the accumulated reasoning outcome for one reachable claim.
type NodeResult struct {
	ClaimID                string
	GraphScore             float32
	SupportPathCount        int
	ContradictionChainDepth int // -1 if no contradiction/duplicate edge was encountered
}

func isSupportRelation(r model.Relation) bool {
	return r == model.RelationSupports || r == model.RelationRefines
}

func isContradictionRelation(r model.Relation) bool {
	return r == model.RelationContradicts || r == model.RelationDuplicates
}

// Reason runs a bounded BFS from startClaimIDs over edges, decaying each
// hop's contribution by edgeDepthDecay^depth. Deterministic given sorted
// edges and a stable start-id ordering.
func Reason(startClaimIDs []string, edges []*model.ClaimEdge, cfg Config) map[string]*NodeResult {
	adjacency := make(map[string][]*model.ClaimEdge)
	for _, e := range edges {
		adjacency[e.FromClaimID] = append(adjacency[e.FromClaimID], e)
	}

	results := make(map[string]*NodeResult)
	get := func(id string) *NodeResult {
		r, ok := results[id]
		if !ok {
			r = &NodeResult{ClaimID: id, ContradictionChainDepth: -1}
			results[id] = r
		}
		return r
	}

	type frontierEntry struct {
		claimID string
		depth   int
	}

	visited := make(map[string]bool)
	var frontier []frontierEntry
	for _, id := range startClaimIDs {
		get(id)
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, frontierEntry{claimID: id, depth: 0})
		}
	}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if current.depth >= cfg.MaxHops {
			continue
		}
		nextDepth := current.depth + 1
		decay := decayFactor(cfg.EdgeDepthDecay, nextDepth)

		for _, e := range adjacency[current.claimID] {
			target := get(e.ToClaimID)
			contribution := e.Strength * decay
			if contribution < 0 {
				contribution = 0
			}
			target.GraphScore += contribution
			if target.GraphScore < 0 {
				target.GraphScore = 0
			}

			if isSupportRelation(e.Relation) {
				target.GraphScore += cfg.SupportPathBonus * decay
				target.SupportPathCount++
			}
			if isContradictionRelation(e.Relation) {
				if target.ContradictionChainDepth < 0 || nextDepth < target.ContradictionChainDepth {
					target.ContradictionChainDepth = nextDepth
				}
				target.GraphScore -= cfg.ContradictionDepthPenalty * decay
				if target.GraphScore < 0 {
					target.GraphScore = 0
				}
			}

			if !visited[e.ToClaimID] {
				visited[e.ToClaimID] = true
				frontier = append(frontier, frontierEntry{claimID: e.ToClaimID, depth: nextDepth})
			}
		}
	}

	return results
}

func decayFactor(base float32, depth int) float32 {
	if depth <= 0 {
		return 1
	}
	out := float32(1)
	for i := 0; i < depth; i++ {
		out *= base
	}
	return out
}
