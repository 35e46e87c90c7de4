package planner

import (
	"sort"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/bm25"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/store"
)

const denseWeight = 0.35

// Citation is one piece of evidence attached to a scored result.
type Citation struct {
	EvidenceID    string
	SourceID      string
	Stance        model.Stance
	SourceQuality float32
}

// TemporalAnnotation describes how a result's claim relates to an active
// query time window.
type TemporalAnnotation struct {
	MatchMode string
	InRange   bool
}

// Result is one scored, annotated claim.
type Result struct {
	ClaimID           string
	Score             float64
	Claim             *model.Claim
	Citations         []Citation
	ConfidenceBand    string
	DominantStance    string
	ContradictionRisk float64
	Temporal          *TemporalAnnotation
}

func confidenceBand(confidence float32) string {
	switch {
	case confidence >= 0.80:
		return "high"
	case confidence >= 0.50:
		return "medium"
	default:
		return "low"
	}
}

func dominantStance(supports, contradicts int) string {
	switch {
	case supports == 0 && contradicts == 0:
		return "absent"
	case supports > contradicts:
		return "supports"
	case contradicts > supports:
		return "contradicts"
	default:
		return "balanced"
	}
}

func overlaps(aFrom, aTo *int64, from, to int64) bool {
	lo, hi := from, to
	if aFrom != nil && *aFrom > lo {
		lo = *aFrom
	}
	if aTo != nil && *aTo < hi {
		hi = *aTo
	}
	return lo <= hi
}

func temporalAnnotation(claim *model.Claim, from, to *int64) *TemporalAnnotation {
	if from == nil || to == nil {
		return nil
	}
	hasEvent := claim.EventTimeUnix != nil
	hasValidity := claim.ValidFrom != nil || claim.ValidTo != nil

	eventInRange := hasEvent && *claim.EventTimeUnix >= *from && *claim.EventTimeUnix <= *to
	validityInRange := hasValidity && overlaps(claim.ValidFrom, claim.ValidTo, *from, *to)

	switch {
	case hasEvent && hasValidity:
		return &TemporalAnnotation{MatchMode: "event_and_validity_window", InRange: eventInRange || validityInRange}
	case hasEvent:
		return &TemporalAnnotation{MatchMode: "event_time", InRange: eventInRange}
	case hasValidity:
		return &TemporalAnnotation{MatchMode: "validity_window", InRange: validityInRange}
	default:
		return &TemporalAnnotation{MatchMode: "no_temporal_data", InRange: false}
	}
}

// ScoreCandidates ranks candidates by BM25 + dense cosine + a stance- and
// quality-aware baseline rank, returning the top_k results.
func ScoreCandidates(candidates []string, q Query, st *store.Store, corpus *bm25.Corpus) []Result {
	queryTokens := bm25.Tokenize(q.Text)
	results := make([]Result, 0, len(candidates))

	for _, id := range candidates {
		claim, ok := st.Claim(id)
		if !ok {
			continue
		}
		evidence := st.EvidenceFor(id)

		var supports, contradicts int
		var qualitySum float64
		citations := make([]Citation, 0, len(evidence))
		for _, e := range evidence {
			switch e.Stance {
			case model.StanceSupports:
				supports++
			case model.StanceContradicts:
				contradicts++
			}
			qualitySum += float64(e.SourceQuality)
			citations = append(citations, Citation{
				EvidenceID:    e.EvidenceID,
				SourceID:      e.SourceID,
				Stance:        e.Stance,
				SourceQuality: e.SourceQuality,
			})
		}

		if q.StanceMode == StanceModeSupportOnly && contradicts > supports {
			continue
		}

		avgQuality := 0.0
		if len(evidence) > 0 {
			avgQuality = qualitySum / float64(len(evidence))
		}

		bm25Score := corpus.Score(queryTokens, st.ClaimTokens(id))

		var denseSim float32
		if len(q.QueryVector) > 0 {
			if vec, ok := st.ClaimVector(id); ok {
				denseSim = ann.Cosine(q.QueryVector, vec.Vector)
			}
		}

		baselineRank := bm25Score + 0.5*avgQuality + 0.3*float64(supports-contradicts) - 0.15*float64(contradicts)
		score := baselineRank + denseWeight*float64(denseSim)

		contradictionRisk := 0.0
		if supports+contradicts > 0 {
			contradictionRisk = float64(contradicts) / float64(supports+contradicts)
		}

		results = append(results, Result{
			ClaimID:           id,
			Score:             score,
			Claim:             claim,
			Citations:         citations,
			ConfidenceBand:    confidenceBand(claim.Confidence),
			DominantStance:    dominantStance(supports, contradicts),
			ContradictionRisk: contradictionRisk,
			Temporal:          temporalAnnotation(claim, q.FromUnix, q.ToUnix),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ClaimID < results[j].ClaimID
	})

	topK := q.TopK
	if topK <= 0 || topK > len(results) {
		topK = len(results)
	}
	return results[:topK]
}
