// Package engine composes the WAL, in-memory store, ingestion
// orchestrator, segment cache, ANN/graph config, placement router,
// metrics sink and audit log behind a single coarse mutex per service
// instance. internal/httpapi and internal/retrievalapi are thin gin
// wrappers around this package; all placement gating, metrics emission
// and audit logging happens here so both HTTP surfaces (and any future
// transport) see identical behavior.
package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/audit"
	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/graphreason"
	"github.com/dashkv/dash/internal/ingest"
	"github.com/dashkv/dash/internal/metrics"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/placement"
	"github.com/dashkv/dash/internal/planner"
	"github.com/dashkv/dash/internal/segment"
	"github.com/dashkv/dash/internal/wal"
)

// Config tunes the engine's retrieval-side components; ingestion
// thresholds live in ingest.CheckpointPolicy, applied when the caller
// builds the *ingest.Orchestrator passed to New.
type Config struct {
	LocalNodeID            string
	SegmentRoot            string
	SegmentCacheRefresh    time.Duration
	AnnSearch              ann.SearchConfig
	Graph                  graphreason.Config
	PlacementReadPreference placement.ReadPreference
}

// Engine is the per-process service state. All exported methods acquire
// mu for the duration of any store/WAL access; placement and segment
// cache each guard their own internal state independently.
type Engine struct {
	mu sync.Mutex

	cfg          Config
	w            *wal.WAL
	orchestrator *ingest.Orchestrator
	segCache     *segment.Cache
	router       *placement.Router
	metricsSink  metrics.Sink
	auditLog     *audit.Log
	log          zerolog.Logger
}

func New(w *wal.WAL, orchestrator *ingest.Orchestrator, router *placement.Router, metricsSink metrics.Sink, auditLog *audit.Log, cfg Config, log zerolog.Logger) *Engine {
	if metricsSink == nil {
		metricsSink = metrics.NopSink{}
	}
	return &Engine{
		cfg:          cfg,
		w:            w,
		orchestrator: orchestrator,
		segCache:     segment.NewCache(cfg.SegmentCacheRefresh),
		router:       router,
		metricsSink:  metricsSink,
		auditLog:     auditLog,
		log:          log,
	}
}

// WAL exposes the engine's WAL handle for the replication server-side
// endpoints, which read it directly rather than through the store lock
// (replication export/delta framing takes its own internal lock).
func (e *Engine) WAL() *wal.WAL { return e.w }

// PlacementRouter exposes the router for debug endpoints.
func (e *Engine) PlacementRouter() *placement.Router { return e.router }

// SegmentCache exposes the segment cache for debug endpoints.
func (e *Engine) SegmentCache() *segment.Cache { return e.segCache }

// Metrics exposes the metrics sink so an HTTP layer can expose /metrics
// when the sink is a *metrics.PrometheusSink.
func (e *Engine) Metrics() metrics.Sink { return e.metricsSink }

func (e *Engine) audit(ev audit.Event) {
	if e.auditLog == nil {
		return
	}
	if err := e.auditLog.Record(ev); err != nil {
		e.log.Error().Err(err).Msg("failed to record audit event")
	}
}

// checkWriteRoute enforces the write-path placement gate: the resolved
// leader for (tenant, tenant) must be this node, otherwise the write is
// rejected so the client can retry against the actual leader.
func (e *Engine) checkWriteRoute(tenant string) error {
	e.router.MaybeReload(time.Now())
	p, err := e.router.RouteWrite(tenant, tenant)
	if err != nil {
		e.metricsSink.IncCounter("write_route_rejected_total", map[string]string{"tenant": tenant})
		return err
	}
	e.metricsSink.SetGauge("placement_last_epoch", float64(p.Epoch), map[string]string{"tenant": tenant})
	e.metricsSink.IncCounter("placement_last_role_"+string(p.Role)+"_total", map[string]string{"tenant": tenant})
	if p.NodeID != e.cfg.LocalNodeID {
		e.metricsSink.IncCounter("write_route_rejected_total", map[string]string{"tenant": tenant})
		return dasherr.WriteRoute("write route resolved to node %q, this node is %q", p.NodeID, e.cfg.LocalNodeID)
	}
	return nil
}

// checkReadRoute enforces the read-path placement and consistency gate.
func (e *Engine) checkReadRoute(tenant string, consistency placement.ReadConsistency) error {
	e.router.MaybeReload(time.Now())
	p, err := e.router.RouteRead(tenant, tenant)
	if err != nil {
		return err
	}
	if p.NodeID != e.cfg.LocalNodeID {
		return dasherr.WriteRoute("read route resolved to node %q, this node is %q", p.NodeID, e.cfg.LocalNodeID)
	}
	readable, total := e.router.ReadableReplicas(tenant, p.ShardID)
	required := placement.RequiredReplicaCount(consistency, total)
	if readable < required {
		return dasherr.ConsistencyUnavailable("only %d of %d required replicas are readable for shard %q", readable, required, p.ShardID)
	}
	return nil
}

// IngestResult is the HTTP-facing outcome of a single ingest.
type IngestResult struct {
	ClaimID                   string
	ClaimsTotal               int
	CheckpointTriggered        bool
	CheckpointSnapshotRecords  int
	CheckpointTruncatedRecords int
}

// IngestSingle applies the write-route gate, then delegates to the
// ingestion orchestrator under the coarse lock, recording metrics and an
// audit entry for the outcome either way.
func (e *Engine) IngestSingle(b ingest.Bundle, persistent bool) (*IngestResult, error) {
	tenant := b.Claim.TenantID
	if err := e.checkWriteRoute(tenant); err != nil {
		e.audit(audit.Event{Action: "ingest_single", TenantID: tenant, ClaimID: b.Claim.ClaimID, Status: 503, Outcome: "rejected", Reason: err.Error()})
		return nil, err
	}

	e.mu.Lock()
	result, err := e.orchestrator.IngestSingle(b, persistent)
	e.mu.Unlock()

	if err != nil {
		e.metricsSink.IncCounter("ingest_error_total", map[string]string{"tenant": tenant})
		e.audit(audit.Event{Action: "ingest_single", TenantID: tenant, ClaimID: b.Claim.ClaimID, Status: statusFor(err), Outcome: "error", Reason: err.Error()})
		return nil, err
	}

	e.metricsSink.IncCounter("ingest_success_total", map[string]string{"tenant": tenant})
	if result.Checkpoint.Triggered {
		e.metricsSink.IncCounter("checkpoint_triggered_total", map[string]string{"tenant": tenant})
	}
	e.audit(audit.Event{Action: "ingest_single", TenantID: tenant, ClaimID: b.Claim.ClaimID, Status: 200, Outcome: "success"})

	return &IngestResult{
		ClaimID:                    result.ClaimID,
		ClaimsTotal:                result.ClaimsTotal,
		CheckpointTriggered:        result.Checkpoint.Triggered,
		CheckpointSnapshotRecords:  result.Checkpoint.SnapshotRecords,
		CheckpointTruncatedRecords: result.Checkpoint.TruncatedWalRecords,
	}, nil
}

// BatchResult is the HTTP-facing outcome of a batch ingest.
type BatchResult struct {
	CommitID                   string
	IdempotentReplay           bool
	BatchSize                  int
	ClaimsTotal                int
	ClaimIDs                   []string
	CheckpointTriggered        bool
	CheckpointSnapshotRecords  int
	CheckpointTruncatedRecords int
}

// BatchIngest applies the write-route gate using the batch's shared
// tenant, then delegates to the orchestrator's idempotent batch path.
func (e *Engine) BatchIngest(tenant, commitID string, bundles []ingest.Bundle, payloadHash string, commitTsMs int64) (*BatchResult, error) {
	if err := e.checkWriteRoute(tenant); err != nil {
		e.audit(audit.Event{Action: "ingest_batch", TenantID: tenant, Status: 503, Outcome: "rejected", Reason: err.Error()})
		return nil, err
	}

	e.mu.Lock()
	result, err := e.orchestrator.BatchIngest(commitID, bundles, payloadHash, commitTsMs)
	var claimsTotal int
	if err == nil {
		claimsTotal = len(e.orchestrator.Store().TenantClaimIDs(tenant))
	}
	e.mu.Unlock()

	if err != nil {
		e.metricsSink.IncCounter("batch_commit_error_total", map[string]string{"tenant": tenant})
		e.audit(audit.Event{Action: "ingest_batch", TenantID: tenant, Status: statusFor(err), Outcome: "error", Reason: err.Error()})
		return nil, err
	}

	if result.IdempotentHit {
		e.metricsSink.IncCounter("batch_idempotent_hit_total", map[string]string{"tenant": tenant})
	} else {
		e.metricsSink.IncCounter("batch_commit_success_total", map[string]string{"tenant": tenant})
	}
	if result.Checkpoint.Triggered {
		e.metricsSink.IncCounter("checkpoint_triggered_total", map[string]string{"tenant": tenant})
	}
	e.audit(audit.Event{Action: "ingest_batch", TenantID: tenant, Status: 200, Outcome: "success"})

	return &BatchResult{
		CommitID:                   result.CommitID,
		IdempotentReplay:           result.IdempotentHit,
		BatchSize:                  result.BatchSize,
		ClaimsTotal:                claimsTotal,
		ClaimIDs:                   result.ClaimIDs,
		CheckpointTriggered:        result.Checkpoint.Triggered,
		CheckpointSnapshotRecords:  result.Checkpoint.SnapshotRecords,
		CheckpointTruncatedRecords: result.Checkpoint.TruncatedWalRecords,
	}, nil
}

func statusFor(err error) int {
	if de, ok := dasherr.As(err); ok {
		return de.HTTPStatus()
	}
	return 500
}

// RetrieveResult bundles the scored results with their diagnostics and
// optional graph-reasoning annotations.
type RetrieveResult struct {
	Results       []planner.Result
	Diagnostics   planner.Diagnostics
	GraphResults  map[string]*graphreason.NodeResult
	ANNCandidates int
}

// Retrieve applies the read-route/consistency gate, then builds the
// planner context, generates candidates, scores them and optionally runs
// the graph reasoner over the top results' edges.
func (e *Engine) Retrieve(q planner.Query, consistency placement.ReadConsistency) (*RetrieveResult, error) {
	if err := e.checkReadRoute(q.TenantID, consistency); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.orchestrator.Store()
	ctx := planner.BuildContext(q, st, e.segCache, e.cfg.SegmentRoot, time.Now())

	if ctx.ShortCircuitEmpty {
		e.metricsSink.IncCounter("retrieve_empty_short_circuit_total", map[string]string{"tenant": q.TenantID})
		return &RetrieveResult{Diagnostics: planner.BuildDiagnostics(ctx, nil)}, nil
	}

	candidates := planner.GenerateCandidates(ctx, q, st, e.cfg.AnnSearch)
	corpus := st.TenantCorpus(q.TenantID)
	results := planner.ScoreCandidates(candidates, q, st, corpus)
	diagnostics := planner.BuildDiagnostics(ctx, resultIDs(results))

	e.metricsSink.ObserveHistogram("retrieve_result_count", float64(len(results)), map[string]string{"tenant": q.TenantID})

	out := &RetrieveResult{Results: results, Diagnostics: diagnostics}
	if len(q.QueryVector) > 0 {
		out.ANNCandidates = len(candidates)
	}

	if q.IncludeGraph && len(results) > 0 {
		edges := st.EdgesForTenant(q.TenantID)
		maxHops := q.MaxHops
		if maxHops <= 0 {
			maxHops = e.cfg.Graph.MaxHops
		}
		cfg := e.cfg.Graph
		cfg.MaxHops = maxHops
		out.GraphResults = graphreason.Reason(resultIDs(results), edges, cfg)
	}

	return out, nil
}

func resultIDs(results []planner.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ClaimID
	}
	return ids
}

// ClaimStorageVisibility reports which of a tenant's claim ids currently
// resolve to the segment base vs. the WAL delta, for the storage
// visibility debug endpoint.
func (e *Engine) ClaimStorageVisibility(tenant string) *planner.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.orchestrator.Store()
	return planner.BuildContext(planner.Query{TenantID: tenant}, st, e.segCache, e.cfg.SegmentRoot, time.Now())
}

// Claim returns a single claim for debug/read endpoints outside the
// scored retrieval path.
func (e *Engine) Claim(claimID string) (*model.Claim, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orchestrator.Store().Claim(claimID)
}
