package planner

import (
	"sort"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/bm25"
	"github.com/dashkv/dash/internal/store"
)

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GenerateCandidates builds the ordered candidate id list for one query:
// lexical posting union (or tenant fallback), ANN union, temporal
// intersection, then the resolved allowed-id intersection.
func GenerateCandidates(ctx *Context, q Query, st *store.Store, annCfg ann.SearchConfig) []string {
	tenantSet := st.TenantClaimIDs(q.TenantID)

	queryTokens := bm25.Tokenize(q.Text)
	var candidates set
	if len(queryTokens) == 0 {
		candidates = tenantSet
	} else {
		candidates = make(set)
		seen := make(map[string]bool)
		for _, tok := range queryTokens {
			if seen[tok] {
				continue
			}
			seen[tok] = true
			unionInto(candidates, st.TokenPostings(q.TenantID, tok))
		}
		if len(candidates) == 0 {
			candidates = tenantSet
		}
	}

	if len(q.QueryVector) > 0 {
		topN := clamp(q.TopK*20, 100, 5000)
		ids := st.ANNSearch(q.TenantID, q.QueryVector, topN, annCfg)
		if len(ids) > 0 {
			merged := make(set, len(candidates))
			unionInto(merged, candidates)
			for _, id := range ids {
				merged[id] = struct{}{}
			}
			candidates = merged
		}
	}

	if q.FromUnix != nil && q.ToUnix != nil && *q.FromUnix <= *q.ToUnix {
		candidates = intersect(candidates, st.TemporalRange(q.TenantID, *q.FromUnix, *q.ToUnix))
	}

	if ctx.HasAllowed {
		candidates = intersect(candidates, ctx.Allowed)
	}

	candidates = intersect(candidates, tenantSet)

	out := make([]string, 0, len(candidates))
	for id := range candidates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
