package planner

// Diagnostics reports how a query's candidate set related to the segment
// base / WAL delta split, for observability rather than correctness.
type Diagnostics struct {
	SourceOfTruthModel            string
	ExecutionMode                 string
	ExecutionCandidateCount       int
	PromotionBoundaryState        string
	PromotionBoundaryInTransition bool
	FromSegmentBase               int
	FromWalDelta                  int
	SourceUnknown                 int
	OutsideStorageVisible         int
}

// BuildDiagnostics classifies the final result ids against ctx's
// segment-base/WAL-delta/storage-visible sets.
func BuildDiagnostics(ctx *Context, resultClaimIDs []string) Diagnostics {
	d := Diagnostics{
		SourceOfTruthModel:      "in_memory_store",
		ExecutionCandidateCount: len(resultClaimIDs),
	}

	if ctx.HasSegmentBase {
		d.ExecutionMode = "segment_disk_base_with_wal_overlay"
		if len(ctx.WalDelta) > 0 {
			d.PromotionBoundaryState = "segment_base_plus_wal_delta"
			d.PromotionBoundaryInTransition = true
		} else {
			d.PromotionBoundaryState = "segment_base_fully_promoted"
		}
	} else {
		d.ExecutionMode = "memory_index_candidates"
		d.PromotionBoundaryState = "replay_only"
	}

	for _, id := range resultClaimIDs {
		switch {
		case ctx.HasSegmentBase && inSet(ctx.SegmentBase, id):
			d.FromSegmentBase++
		case inSet(ctx.WalDelta, id):
			d.FromWalDelta++
		case ctx.HasStorageVisible && !inSet(ctx.StorageVisible, id):
			d.OutsideStorageVisible++
		default:
			d.SourceUnknown++
		}
	}
	return d
}

func inSet(s set, id string) bool {
	if s == nil {
		return false
	}
	_, ok := s[id]
	return ok
}
