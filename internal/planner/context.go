// Package planner builds the per-request retrieval context (metadata
// filters intersected with the segment/WAL-delta storage-visible set),
// generates candidates, and scores them with BM25 + dense cosine +
// stance/temporal signals, surfacing storage-merge diagnostics.
// Tokenization is shared with ingest-time indexing via internal/bm25 so
// the two stay lexically consistent.
package planner

import (
	"strings"
	"time"

	"github.com/dashkv/dash/internal/segment"
	"github.com/dashkv/dash/internal/store"
)

// StanceMode controls whether contradiction-heavy claims are dropped.
type StanceMode string

const (
	StanceModeAny         StanceMode = "any"
	StanceModeSupportOnly StanceMode = "support_only"
)

// Query is one retrieval request.
type Query struct {
	TenantID         string
	Text             string
	QueryVector      []float32
	TopK             int
	FromUnix         *int64
	ToUnix           *int64
	EntityFilters    []string
	EmbeddingFilters []string
	StanceMode       StanceMode
	IncludeGraph     bool
	MaxHops          int
}

type set = map[string]struct{}

func unionInto(dst set, src set) {
	for id := range src {
		dst[id] = struct{}{}
	}
}

func intersect(a, b set) set {
	out := make(set)
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for id := range small {
		if _, ok := big[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func subtract(a, b set) set {
	out := make(set)
	for id := range a {
		if _, ok := b[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Context is the resolved filter state for one request, built once and
// reused by both candidate generation and the storage-merge diagnostics.
type Context struct {
	TenantID string
	FromUnix *int64
	ToUnix   *int64

	MetadataAllowed    set
	HasMetadataFilter  bool
	SegmentBase        set
	HasSegmentBase     bool
	WalDelta           set
	StorageVisible     set
	HasStorageVisible  bool
	Allowed            set
	HasAllowed         bool
	HasFiltering       bool
	ShortCircuitEmpty  bool
}

func normalizeFilters(raw []string, lower bool) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		v := strings.TrimSpace(r)
		if lower {
			v = strings.ToLower(v)
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// BuildContext resolves metadata filters against storage and the segment
// cache's current segment-base set for this tenant.
func BuildContext(q Query, st *store.Store, segCache *segment.Cache, segmentRoot string, now time.Time) *Context {
	ctx := &Context{TenantID: q.TenantID, FromUnix: q.FromUnix, ToUnix: q.ToUnix}

	entityFilters := normalizeFilters(q.EntityFilters, true)
	embeddingFilters := normalizeFilters(q.EmbeddingFilters, false)

	hasEntity := len(entityFilters) > 0
	hasEmbedding := len(embeddingFilters) > 0
	if hasEntity || hasEmbedding {
		ctx.HasMetadataFilter = true
		var entityUnion, embeddingUnion set
		if hasEntity {
			entityUnion = make(set)
			for _, e := range entityFilters {
				unionInto(entityUnion, st.EntityPostings(q.TenantID, e))
			}
		}
		if hasEmbedding {
			embeddingUnion = make(set)
			for _, e := range embeddingFilters {
				unionInto(embeddingUnion, st.EmbeddingPostings(q.TenantID, e))
			}
		}
		switch {
		case hasEntity && hasEmbedding:
			ctx.MetadataAllowed = intersect(entityUnion, embeddingUnion)
		case hasEntity:
			ctx.MetadataAllowed = entityUnion
		default:
			ctx.MetadataAllowed = embeddingUnion
		}
	}

	if segCache != nil {
		if base, ok := segCache.Get(q.TenantID, segmentRoot, now); ok {
			ctx.SegmentBase = base
			ctx.HasSegmentBase = true
		}
	}

	tenantSet := st.TenantClaimIDs(q.TenantID)
	if ctx.HasSegmentBase {
		ctx.WalDelta = subtract(tenantSet, ctx.SegmentBase)
		storageVisible := make(set)
		unionInto(storageVisible, ctx.SegmentBase)
		unionInto(storageVisible, ctx.WalDelta)
		ctx.StorageVisible = storageVisible
		ctx.HasStorageVisible = true
	} else {
		ctx.WalDelta = tenantSet
	}

	switch {
	case ctx.HasMetadataFilter && ctx.HasStorageVisible:
		ctx.Allowed = intersect(ctx.MetadataAllowed, ctx.StorageVisible)
		ctx.HasAllowed = true
	case ctx.HasMetadataFilter:
		ctx.Allowed = ctx.MetadataAllowed
		ctx.HasAllowed = true
	case ctx.HasStorageVisible:
		ctx.Allowed = ctx.StorageVisible
		ctx.HasAllowed = true
	}

	ctx.HasFiltering = ctx.HasMetadataFilter || ctx.HasSegmentBase

	rangeInverted := q.FromUnix != nil && q.ToUnix != nil && *q.FromUnix > *q.ToUnix
	emptyIntersection := ctx.HasFiltering && ctx.HasAllowed && len(ctx.Allowed) == 0
	ctx.ShortCircuitEmpty = rangeInverted || emptyIntersection

	return ctx
}
