// Package model holds the entities of the knowledge store: claims,
// evidence, edges, vectors, batch-commit metadata and on-disk segments.
package model

// Stance is the relationship an Evidence item bears to its Claim.
type Stance string

const (
	StanceSupports    Stance = "supports"
	StanceContradicts Stance = "contradicts"
	StanceNeutral     Stance = "neutral"
)

// Relation is the typed relationship a ClaimEdge expresses between two
// claims.
type Relation string

const (
	RelationSupports   Relation = "supports"
	RelationContradicts Relation = "contradicts"
	RelationRefines    Relation = "refines"
	RelationDuplicates Relation = "duplicates"
	RelationDependsOn  Relation = "depends_on"
)

// Tier is the storage tier a published segment belongs to.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Claim is a short, tenant-owned, canonical factual statement.
type Claim struct {
	ClaimID       string
	TenantID      string
	CanonicalText string
	Confidence    float32
	EventTimeUnix *int64
	Entities      []string
	EmbeddingIDs  []string
	ClaimType     string
	ValidFrom     *int64
	ValidTo       *int64
	CreatedAt     *int64
	UpdatedAt     *int64

	// revision is bumped every time this claim is re-applied under the
	// same claim_id; it lets WAL replay resolve "last write wins by file
	// order" without relying on wall-clock timestamps. Never serialized.
	revision uint64
}

// Revision returns the current in-memory revision counter.
func (c *Claim) Revision() uint64 { return c.revision }

// BumpRevision increments and returns the revision counter; called each
// time the store replaces a claim under an existing id.
func (c *Claim) BumpRevision() uint64 {
	c.revision++
	return c.revision
}

// AdoptRevision copies prev's revision counter onto c, used when a claim
// is replaced under the same claim_id so BumpRevision continues counting
// instead of resetting to zero.
func (c *Claim) AdoptRevision(prev *Claim) {
	if prev != nil {
		c.revision = prev.revision
	}
}

// Evidence is a stance-annotated citation attached to a Claim.
type Evidence struct {
	EvidenceID     string
	ClaimID        string
	SourceID       string
	Stance         Stance
	SourceQuality  float32
	ChunkID        string
	SpanStart      *uint32
	SpanEnd        *uint32
	DocID          string
	ExtractionModel string
}

// ClaimEdge is a typed, directed relation between two claims.
type ClaimEdge struct {
	EdgeID      string
	FromClaimID string
	ToClaimID   string
	Relation    Relation
	Strength    float32
	ReasonCodes []string
}

// ClaimVector is the dense embedding stored for one claim.
type ClaimVector struct {
	ClaimID string
	Vector  []float32
}

// BatchCommit records the idempotency metadata for a batch ingest.
type BatchCommit struct {
	CommitID    string
	BatchSize   int
	CommitTsMs  int64
	ClaimIDs    []string
	// PayloadHash lets the orchestrator detect a same-commit_id,
	// different-payload replay without re-validating every field.
	PayloadHash string
}

// Segment is an immutable, tiered, on-disk projection of a tenant's claim
// ids, published after ingest.
type Segment struct {
	SegmentID string
	Tier      Tier
	ClaimIDs  []string
}

// ManifestEntry is one row of a tenant's segment manifest.
type ManifestEntry struct {
	SegmentID string
	Tier      Tier
	FileName  string
}

// Manifest lists every segment published for one tenant.
type Manifest struct {
	TenantID string
	Entries  []ManifestEntry
}

// WalRecordKind tags the variant carried by a WalRecord.
type WalRecordKind byte

const (
	WalKindClaim       WalRecordKind = 'C'
	WalKindEvidence    WalRecordKind = 'E'
	WalKindEdge        WalRecordKind = 'G'
	WalKindVector      WalRecordKind = 'V'
	WalKindBatchCommit WalRecordKind = 'B'
	WalKindRaw         WalRecordKind = 'R'
)

// WalRecord is the tagged union persisted by the WAL: exactly one of the
// pointer fields is non-nil, matching its Kind.
type WalRecord struct {
	Kind WalRecordKind

	Claim       *Claim
	Evidence    *Evidence
	Edge        *ClaimEdge
	Vector      *ClaimVector
	BatchCommit *BatchCommit
	Raw         string // pre-serialized line, used by replication apply
}
