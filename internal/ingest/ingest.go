// Package ingest implements the ingestion orchestrator: single-item and
// batch commit paths over the WAL and in-memory store, with idempotent
// batch replay and segment publication. Batches are staged against a
// store clone and fail fast on validation, so a rejected batch never
// touches the live store or leaves a committed WAL marker.
package ingest

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/segment"
	"github.com/dashkv/dash/internal/store"
	"github.com/dashkv/dash/internal/wal"
)

const defaultBatchSizeLimit = 128

// CheckpointPolicy names the thresholds that trigger a WAL compaction
// after a successful write.
type CheckpointPolicy struct {
	MaxWalRecords int
	MaxWalBytes   int64
}

// Bundle is one claim plus its evidence, edges and optional vector —
// the unit applied by both the single and batch ingest paths.
type Bundle struct {
	Claim    *model.Claim
	Evidence []*model.Evidence
	Edges    []*model.ClaimEdge
	Vector   []float32
}

// CheckpointOutcome reports whether an ingest call triggered a WAL
// compaction and, if so, how many records moved where.
type CheckpointOutcome struct {
	Triggered           bool
	SnapshotRecords     int
	TruncatedWalRecords int
}

// SingleResult reports the outcome of an IngestSingle call, matching the
// HTTP ingestion surface's response shape.
type SingleResult struct {
	ClaimID     string
	ClaimsTotal int
	Checkpoint  CheckpointOutcome
}

// BatchResult reports the outcome of a batch-ingest call.
type BatchResult struct {
	CommitID      string
	IdempotentHit bool
	BatchSize     int
	ClaimIDs      []string
	Checkpoint    CheckpointOutcome
}

// Orchestrator wires the WAL, the live store, and the segment publish
// path behind the single coarse lock the concurrency model calls for.
type Orchestrator struct {
	w                *wal.WAL
	log              zerolog.Logger
	segmentRoot      string
	checkpointPolicy CheckpointPolicy
	batchSizeLimit   int
	tiers            *segment.TierTracker

	storeState *store.Store
}

func New(w *wal.WAL, st *store.Store, segmentRoot string, policy CheckpointPolicy, log zerolog.Logger) *Orchestrator {
	batchLimit := defaultBatchSizeLimit
	return &Orchestrator{
		w:                w,
		log:              log,
		segmentRoot:      segmentRoot,
		checkpointPolicy: policy,
		batchSizeLimit:   batchLimit,
		tiers:            segment.NewTierTracker(segment.DefaultTierPolicy()),
		storeState:       st,
	}
}

// SetBatchSizeLimit overrides the default 128-item batch cap.
func (o *Orchestrator) SetBatchSizeLimit(n int) { o.batchSizeLimit = n }

// SetTierPolicy overrides the default hot/warm/cold cycle thresholds.
func (o *Orchestrator) SetTierPolicy(policy segment.TierPolicy) {
	o.tiers = segment.NewTierTracker(policy)
}

// Store returns the orchestrator's current live store, swapped on every
// successful batch commit.
func (o *Orchestrator) Store() *store.Store { return o.storeState }

func bundleRecords(b Bundle) []*model.WalRecord {
	records := []*model.WalRecord{{Kind: model.WalKindClaim, Claim: b.Claim}}
	for _, e := range b.Evidence {
		records = append(records, &model.WalRecord{Kind: model.WalKindEvidence, Evidence: e})
	}
	for _, g := range b.Edges {
		records = append(records, &model.WalRecord{Kind: model.WalKindEdge, Edge: g})
	}
	if len(b.Vector) > 0 {
		records = append(records, &model.WalRecord{
			Kind:   model.WalKindVector,
			Vector: &model.ClaimVector{ClaimID: b.Claim.ClaimID, Vector: b.Vector},
		})
	}
	return records
}

func (o *Orchestrator) appendRecords(records []*model.WalRecord) error {
	point := o.w.BeginRollbackPoint()
	for _, r := range records {
		if err := o.w.AppendRecord(r); err != nil {
			if rbErr := o.w.RollbackTo(point); rbErr != nil {
				o.log.Error().Err(rbErr).Msg("rollback after failed wal append also failed")
			}
			return err
		}
	}
	return nil
}

// IngestSingle validates and applies one bundle. When persistent, the
// bundle is durably appended to the WAL before being applied to the live
// store; if the store rejects the claim, evidence or edges, the WAL
// append is rolled back. A vector the store rejects is returned as an
// error after the claim has been applied, and its records stay in the WAL.
func (o *Orchestrator) IngestSingle(b Bundle, persistent bool) (*SingleResult, error) {
	var point wal.RollbackPoint
	if persistent {
		point = o.w.BeginRollbackPoint()
		if err := o.appendRecords(bundleRecords(b)); err != nil {
			return nil, err
		}
	}

	if err := o.storeState.IngestBundle(b.Claim, b.Evidence, b.Edges); err != nil {
		if persistent {
			if rbErr := o.w.RollbackTo(point); rbErr != nil {
				o.log.Error().Err(rbErr).Msg("rollback after rejected bundle also failed")
			}
		}
		return nil, err
	}
	if len(b.Vector) > 0 {
		if err := o.storeState.UpsertClaimVector(b.Claim.ClaimID, b.Vector); err != nil {
			return nil, err
		}
	}

	checkpoint, err := o.maybeCheckpoint()
	if err != nil {
		return nil, err
	}
	if err := o.publishTenant(b.Claim.TenantID); err != nil {
		return nil, err
	}

	return &SingleResult{
		ClaimID:     b.Claim.ClaimID,
		ClaimsTotal: len(o.storeState.TenantClaimIDs(b.Claim.TenantID)),
		Checkpoint:  checkpoint,
	}, nil
}

func (o *Orchestrator) maybeCheckpoint() (CheckpointOutcome, error) {
	if o.checkpointPolicy.MaxWalRecords <= 0 && o.checkpointPolicy.MaxWalBytes <= 0 {
		return CheckpointOutcome{}, nil
	}
	overRecords := o.checkpointPolicy.MaxWalRecords > 0 && o.w.WalRecords() >= int64(o.checkpointPolicy.MaxWalRecords)
	overBytes := o.checkpointPolicy.MaxWalBytes > 0 && o.w.FileLen() >= o.checkpointPolicy.MaxWalBytes
	if !overRecords && !overBytes {
		return CheckpointOutcome{}, nil
	}
	snapshotRecords, truncatedRecords, err := o.w.CompactWithSnapshot(o.storeState.SnapshotRecords())
	if err != nil {
		return CheckpointOutcome{}, err
	}
	o.tiers.BumpCycle()
	return CheckpointOutcome{Triggered: true, SnapshotRecords: snapshotRecords, TruncatedWalRecords: truncatedRecords}, nil
}

func (o *Orchestrator) publishTenant(tenant string) error {
	claimIDs := make([]string, 0)
	for id := range o.storeState.TenantClaimIDs(tenant) {
		claimIDs = append(claimIDs, id)
	}
	tier := o.tiers.Touch(tenant)
	segments := []model.Segment{{SegmentID: tenant + "-" + string(tier), Tier: tier, ClaimIDs: claimIDs}}
	_, err := segment.PersistSegmentsAtomic(filepath.Join(o.segmentRoot, tenant), tenant, segments)
	return err
}

// BatchIngest applies commitID's bundles idempotently: a prior identical
// commit replays its recorded claim ids; a prior commit under the same
// id with a different payload is a Conflict; otherwise every bundle is
// staged against a store clone, written to the WAL as one rollback-bounded
// block plus a trailing BatchCommit marker, then promoted live.
func (o *Orchestrator) BatchIngest(commitID string, bundles []Bundle, payloadHash string, commitTsMs int64) (*BatchResult, error) {
	if existing, ok := o.storeState.BatchCommitMetadata(commitID); ok {
		if existing.PayloadHash == payloadHash {
			return &BatchResult{
				CommitID:      commitID,
				IdempotentHit: true,
				BatchSize:     existing.BatchSize,
				ClaimIDs:      existing.ClaimIDs,
			}, nil
		}
		return nil, dasherr.Conflict("commit_id %q already used with a different payload", commitID)
	}
	if len(bundles) > o.batchSizeLimit {
		return nil, dasherr.Validation("batch size %d exceeds limit %d", len(bundles), o.batchSizeLimit)
	}

	staging := o.storeState.Clone()
	claimIDs := make([]string, 0, len(bundles))
	touchedTenants := make(map[string]struct{})
	for _, b := range bundles {
		if err := staging.IngestBundle(b.Claim, b.Evidence, b.Edges); err != nil {
			return nil, err
		}
		if len(b.Vector) > 0 {
			if err := staging.UpsertClaimVector(b.Claim.ClaimID, b.Vector); err != nil {
				return nil, err
			}
		}
		claimIDs = append(claimIDs, b.Claim.ClaimID)
		touchedTenants[b.Claim.TenantID] = struct{}{}
	}

	var records []*model.WalRecord
	for _, b := range bundles {
		records = append(records, bundleRecords(b)...)
	}
	commit := &model.BatchCommit{
		CommitID:    commitID,
		BatchSize:   len(bundles),
		CommitTsMs:  commitTsMs,
		ClaimIDs:    claimIDs,
		PayloadHash: payloadHash,
	}
	records = append(records, &model.WalRecord{Kind: model.WalKindBatchCommit, BatchCommit: commit})

	if err := o.appendRecords(records); err != nil {
		return nil, err
	}

	staging.ObserveBatchCommit(commit)
	o.storeState = staging

	checkpoint, err := o.maybeCheckpoint()
	if err != nil {
		return nil, err
	}
	for tenant := range touchedTenants {
		if err := o.publishTenant(tenant); err != nil {
			return nil, err
		}
	}

	return &BatchResult{
		CommitID:   commitID,
		BatchSize:  len(bundles),
		ClaimIDs:   claimIDs,
		Checkpoint: checkpoint,
	}, nil
}

// NewRollbackToken mints a random id; the HTTP batch handler uses it as
// the commit_id when a request carries none.
func NewRollbackToken() string { return uuid.NewString() }
