// Package store holds the in-memory multi-index knowledge store: claims,
// evidence, edges, vectors, and the inverted/entity/embedding/temporal/ANN
// indices kept consistent with them. A claim replacement removes the old
// index entries before adding the new ones, so no partial state is ever
// observable.
package store

import (
	"math"
	"strings"
	"sync"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/bm25"
	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/wal"
)

type stringSet = map[string]struct{}

// Store is the live, tenant-partitioned knowledge base. All mutating
// methods hold mu for their full duration, matching the single
// coarse-mutex-per-instance concurrency model.
type Store struct {
	mu sync.RWMutex

	claims          map[string]*model.Claim
	evidenceByClaim map[string][]*model.Evidence
	edgesByClaim    map[string][]*model.ClaimEdge
	edgesByTenant   map[string][]*model.ClaimEdge

	claimVectors    map[string]*model.ClaimVector
	tenantVectorDim map[string]int

	tenantClaimIDs map[string]stringSet

	invertedIndex  map[string]map[string]stringSet
	entityIndex    map[string]map[string]stringSet
	embeddingIndex map[string]map[string]stringSet
	temporalByTen  map[string]*temporalIndex

	annGraphs map[string]*ann.Graph

	claimTokens map[string][]string

	batchCommits map[string]*model.BatchCommit
}

func New() *Store {
	return &Store{
		claims:          make(map[string]*model.Claim),
		evidenceByClaim: make(map[string][]*model.Evidence),
		edgesByClaim:    make(map[string][]*model.ClaimEdge),
		edgesByTenant:   make(map[string][]*model.ClaimEdge),
		claimVectors:    make(map[string]*model.ClaimVector),
		tenantVectorDim: make(map[string]int),
		tenantClaimIDs:  make(map[string]stringSet),
		invertedIndex:   make(map[string]map[string]stringSet),
		entityIndex:     make(map[string]map[string]stringSet),
		embeddingIndex:  make(map[string]map[string]stringSet),
		temporalByTen:   make(map[string]*temporalIndex),
		annGraphs:       make(map[string]*ann.Graph),
		claimTokens:     make(map[string][]string),
		batchCommits:    make(map[string]*model.BatchCommit),
	}
}

// Clone returns a deep copy, used by the ingestion orchestrator to stage a
// batch against an isolated store before committing it live.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := New()
	for id, c := range s.claims {
		cp := *c
		out.claims[id] = &cp
	}
	for id, ev := range s.evidenceByClaim {
		out.evidenceByClaim[id] = append([]*model.Evidence(nil), ev...)
	}
	for id, eg := range s.edgesByClaim {
		out.edgesByClaim[id] = append([]*model.ClaimEdge(nil), eg...)
	}
	for tenant, eg := range s.edgesByTenant {
		out.edgesByTenant[tenant] = append([]*model.ClaimEdge(nil), eg...)
	}
	for id, v := range s.claimVectors {
		cp := *v
		cp.Vector = append([]float32(nil), v.Vector...)
		out.claimVectors[id] = &cp
	}
	for tenant, dim := range s.tenantVectorDim {
		out.tenantVectorDim[tenant] = dim
	}
	for tenant, set := range s.tenantClaimIDs {
		out.tenantClaimIDs[tenant] = cloneSet(set)
	}
	out.invertedIndex = cloneNestedSet(s.invertedIndex)
	out.entityIndex = cloneNestedSet(s.entityIndex)
	out.embeddingIndex = cloneNestedSet(s.embeddingIndex)
	for tenant, idx := range s.temporalByTen {
		clone := newTemporalIndex()
		for t, set := range idx.byTime {
			for id := range set {
				clone.Add(t, id)
			}
		}
		out.temporalByTen[tenant] = clone
	}
	for tenant, g := range s.annGraphs {
		out.annGraphs[tenant] = g.Clone()
	}
	for id, toks := range s.claimTokens {
		out.claimTokens[id] = append([]string(nil), toks...)
	}
	for id, bc := range s.batchCommits {
		cp := *bc
		cp.ClaimIDs = append([]string(nil), bc.ClaimIDs...)
		out.batchCommits[id] = &cp
	}
	return out
}

func cloneSet(s stringSet) stringSet {
	out := make(stringSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func cloneNestedSet(m map[string]map[string]stringSet) map[string]map[string]stringSet {
	out := make(map[string]map[string]stringSet, len(m))
	for tenant, byKey := range m {
		inner := make(map[string]stringSet, len(byKey))
		for key, set := range byKey {
			inner[key] = cloneSet(set)
		}
		out[tenant] = inner
	}
	return out
}

func normalizeEntity(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func finite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func validateClaim(c *model.Claim) error {
	if c.ClaimID == "" {
		return dasherr.Validation("claim_id must not be empty")
	}
	if c.TenantID == "" {
		return dasherr.Validation("tenant_id must not be empty")
	}
	if !finite32(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return dasherr.Validation("claim %q confidence must be finite in [0,1]", c.ClaimID)
	}
	return nil
}

func validateEvidence(e *model.Evidence) error {
	if e.EvidenceID == "" {
		return dasherr.Validation("evidence_id must not be empty")
	}
	if e.ClaimID == "" {
		return dasherr.Validation("evidence %q missing claim_id", e.EvidenceID)
	}
	switch e.Stance {
	case model.StanceSupports, model.StanceContradicts, model.StanceNeutral:
	default:
		return dasherr.Validation("evidence %q has unknown stance %q", e.EvidenceID, e.Stance)
	}
	if !finite32(e.SourceQuality) || e.SourceQuality < 0 || e.SourceQuality > 1 {
		return dasherr.Validation("evidence %q source_quality must be finite in [0,1]", e.EvidenceID)
	}
	return nil
}

func validateEdge(g *model.ClaimEdge) error {
	if g.EdgeID == "" {
		return dasherr.Validation("edge_id must not be empty")
	}
	if g.FromClaimID == "" || g.ToClaimID == "" {
		return dasherr.Validation("edge %q missing from/to claim_id", g.EdgeID)
	}
	switch g.Relation {
	case model.RelationSupports, model.RelationContradicts, model.RelationRefines,
		model.RelationDuplicates, model.RelationDependsOn:
	default:
		return dasherr.Validation("edge %q has unknown relation %q", g.EdgeID, g.Relation)
	}
	if !finite32(g.Strength) {
		return dasherr.Validation("edge %q strength must be finite", g.EdgeID)
	}
	return nil
}

// IngestBundle validates and applies one claim plus its evidence and
// edges, in that order. Evidence/edge claim references must already be
// applied, either earlier or by this same bundle's claim.
func (s *Store) IngestBundle(claim *model.Claim, evidence []*model.Evidence, edges []*model.ClaimEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateClaim(claim); err != nil {
		return err
	}
	if existing, ok := s.claims[claim.ClaimID]; ok && existing.TenantID != claim.TenantID {
		return dasherr.Conflict("claim %q already exists under tenant %q", claim.ClaimID, existing.TenantID)
	}

	applied := func(claimID string) bool {
		if claimID == claim.ClaimID {
			return true
		}
		_, ok := s.claims[claimID]
		return ok
	}

	for _, e := range evidence {
		if err := validateEvidence(e); err != nil {
			return err
		}
		if !applied(e.ClaimID) {
			return dasherr.MissingClaim(e.ClaimID)
		}
	}
	for _, g := range edges {
		if err := validateEdge(g); err != nil {
			return err
		}
		if !applied(g.FromClaimID) {
			return dasherr.MissingClaim(g.FromClaimID)
		}
		if !applied(g.ToClaimID) {
			return dasherr.MissingClaim(g.ToClaimID)
		}
	}

	s.applyClaimLocked(claim)
	for _, e := range evidence {
		s.applyEvidenceLocked(e)
	}
	for _, g := range edges {
		s.applyEdgeLocked(g)
	}
	return nil
}

func (s *Store) applyClaimLocked(claim *model.Claim) {
	tenant := claim.TenantID
	if old, exists := s.claims[claim.ClaimID]; exists {
		claim.AdoptRevision(old)
		s.removeClaimIndicesLocked(old)
	}
	claim.BumpRevision()
	s.claims[claim.ClaimID] = claim

	if s.tenantClaimIDs[tenant] == nil {
		s.tenantClaimIDs[tenant] = make(stringSet)
	}
	s.tenantClaimIDs[tenant][claim.ClaimID] = struct{}{}

	tokens := bm25.Tokenize(claim.CanonicalText)
	s.claimTokens[claim.ClaimID] = tokens
	s.addToIndexLocked(s.invertedIndex, tenant, tokens, claim.ClaimID)

	entities := make([]string, 0, len(claim.Entities))
	for _, e := range claim.Entities {
		if n := normalizeEntity(e); n != "" {
			entities = append(entities, n)
		}
	}
	s.addToIndexLocked(s.entityIndex, tenant, entities, claim.ClaimID)
	s.addToIndexLocked(s.embeddingIndex, tenant, claim.EmbeddingIDs, claim.ClaimID)

	if claim.EventTimeUnix != nil {
		if s.temporalByTen[tenant] == nil {
			s.temporalByTen[tenant] = newTemporalIndex()
		}
		s.temporalByTen[tenant].Add(*claim.EventTimeUnix, claim.ClaimID)
	}
}

func (s *Store) removeClaimIndicesLocked(old *model.Claim) {
	tenant := old.TenantID
	tokens := s.claimTokens[old.ClaimID]
	s.removeFromIndexLocked(s.invertedIndex, tenant, tokens, old.ClaimID)

	entities := make([]string, 0, len(old.Entities))
	for _, e := range old.Entities {
		if n := normalizeEntity(e); n != "" {
			entities = append(entities, n)
		}
	}
	s.removeFromIndexLocked(s.entityIndex, tenant, entities, old.ClaimID)
	s.removeFromIndexLocked(s.embeddingIndex, tenant, old.EmbeddingIDs, old.ClaimID)

	if old.EventTimeUnix != nil && s.temporalByTen[tenant] != nil {
		s.temporalByTen[tenant].Remove(*old.EventTimeUnix, old.ClaimID)
	}
}

func (s *Store) addToIndexLocked(idx map[string]map[string]stringSet, tenant string, keys []string, claimID string) {
	if idx[tenant] == nil {
		idx[tenant] = make(map[string]stringSet)
	}
	for _, k := range keys {
		if idx[tenant][k] == nil {
			idx[tenant][k] = make(stringSet)
		}
		idx[tenant][k][claimID] = struct{}{}
	}
}

func (s *Store) removeFromIndexLocked(idx map[string]map[string]stringSet, tenant string, keys []string, claimID string) {
	byKey := idx[tenant]
	if byKey == nil {
		return
	}
	for _, k := range keys {
		set := byKey[k]
		if set == nil {
			continue
		}
		delete(set, claimID)
		if len(set) == 0 {
			delete(byKey, k)
		}
	}
}

func (s *Store) applyEvidenceLocked(e *model.Evidence) {
	s.evidenceByClaim[e.ClaimID] = append(s.evidenceByClaim[e.ClaimID], e)
}

func (s *Store) applyEdgeLocked(g *model.ClaimEdge) {
	s.edgesByClaim[g.FromClaimID] = append(s.edgesByClaim[g.FromClaimID], g)
	if from, ok := s.claims[g.FromClaimID]; ok {
		s.edgesByTenant[from.TenantID] = append(s.edgesByTenant[from.TenantID], g)
	}
}

// UpsertClaimVector validates and stores a dense vector for an existing
// claim, enforcing that every vector stored for a tenant shares one
// dimension, and atomically replacing any prior ANN entry.
func (s *Store) UpsertClaimVector(claimID string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(vector) == 0 {
		return dasherr.InvalidVector("vector for claim %q must not be empty", claimID)
	}
	for _, v := range vector {
		if !finite32(v) {
			return dasherr.InvalidVector("vector for claim %q contains a non-finite component", claimID)
		}
	}
	claim, ok := s.claims[claimID]
	if !ok {
		return dasherr.MissingClaim(claimID)
	}
	tenant := claim.TenantID

	if dim, has := s.tenantVectorDim[tenant]; has && dim != len(vector) {
		return dasherr.InvalidVector("tenant %q vectors must share dimension %d, got %d", tenant, dim, len(vector))
	} else if !has {
		s.tenantVectorDim[tenant] = len(vector)
	}

	graph := s.annGraphs[tenant]
	if graph == nil {
		graph = ann.NewGraph()
		s.annGraphs[tenant] = graph
	}
	if _, exists := s.claimVectors[claimID]; exists {
		graph.Remove(claimID)
	}
	s.claimVectors[claimID] = &model.ClaimVector{ClaimID: claimID, Vector: vector}
	graph.Insert(claimID, vector)
	return nil
}

// ApplyPersistedRecordLine decodes and applies a single WAL line without
// re-validating cross-batch uniqueness, for use by the replication
// follower, which trusts records already validated at the source.
func (s *Store) ApplyPersistedRecordLine(line string) error {
	record, err := wal.DecodeLine(line)
	if err != nil {
		return err
	}
	return s.ApplyRecord(record)
}

// ApplyRecord applies one already-decoded WalRecord without re-validating
// cross-batch uniqueness. Used directly by process startup to replay a
// WAL's snapshot+tail into a fresh store, and indirectly by
// ApplyPersistedRecordLine for the replication follower.
func (s *Store) ApplyRecord(record *model.WalRecord) error {
	// UpsertClaimVector takes the lock itself, so it is dispatched outside
	// the block that holds it for the other kinds.
	if record.Kind == model.WalKindVector {
		return s.UpsertClaimVector(record.Vector.ClaimID, record.Vector.Vector)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch record.Kind {
	case model.WalKindClaim:
		s.applyClaimLocked(record.Claim)
	case model.WalKindEvidence:
		s.applyEvidenceLocked(record.Evidence)
	case model.WalKindEdge:
		s.applyEdgeLocked(record.Edge)
	case model.WalKindBatchCommit:
		s.observeBatchCommitLocked(record.BatchCommit)
	default:
		return dasherr.Parse("unsupported record kind for replay", nil)
	}
	return nil
}

// ObserveBatchCommit records idempotency metadata for a completed batch.
func (s *Store) ObserveBatchCommit(bc *model.BatchCommit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeBatchCommitLocked(bc)
}

func (s *Store) observeBatchCommitLocked(bc *model.BatchCommit) {
	s.batchCommits[bc.CommitID] = bc
}

// BatchCommitMetadata returns the recorded metadata for commitID, if any.
func (s *Store) BatchCommitMetadata(commitID string) (*model.BatchCommit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bc, ok := s.batchCommits[commitID]
	return bc, ok
}

// Claim returns the claim stored under id, if any.
func (s *Store) Claim(id string) (*model.Claim, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[id]
	return c, ok
}

// ClaimVector returns the vector stored for claimID, if any.
func (s *Store) ClaimVector(claimID string) (*model.ClaimVector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.claimVectors[claimID]
	return v, ok
}

// EvidenceFor returns the evidence recorded against claimID.
func (s *Store) EvidenceFor(claimID string) []*model.Evidence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.Evidence(nil), s.evidenceByClaim[claimID]...)
}

// EdgesForTenant returns every edge whose origin claim belongs to tenant.
func (s *Store) EdgesForTenant(tenant string) []*model.ClaimEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.ClaimEdge(nil), s.edgesByTenant[tenant]...)
}

// SnapshotRecords materializes every claim, evidence, edge, vector and
// batch-commit currently held as WalRecords, in an order that replays
// cleanly (claims before the evidence/edges that reference them). Used
// by the ingestion orchestrator to build a compaction snapshot.
func (s *Store) SnapshotRecords() []*model.WalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.WalRecord
	for _, c := range s.claims {
		out = append(out, &model.WalRecord{Kind: model.WalKindClaim, Claim: c})
	}
	for _, evs := range s.evidenceByClaim {
		for _, e := range evs {
			out = append(out, &model.WalRecord{Kind: model.WalKindEvidence, Evidence: e})
		}
	}
	for _, edges := range s.edgesByClaim {
		for _, g := range edges {
			out = append(out, &model.WalRecord{Kind: model.WalKindEdge, Edge: g})
		}
	}
	for _, v := range s.claimVectors {
		out = append(out, &model.WalRecord{Kind: model.WalKindVector, Vector: v})
	}
	for _, bc := range s.batchCommits {
		out = append(out, &model.WalRecord{Kind: model.WalKindBatchCommit, BatchCommit: bc})
	}
	return out
}

// ClaimTokens returns the tokenized canonical text for claimID.
func (s *Store) ClaimTokens(claimID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimTokens[claimID]
}

// TenantClaimIDs returns a copy of the claim id set for tenant.
func (s *Store) TenantClaimIDs(tenant string) stringSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSet(s.tenantClaimIDs[tenant])
}

// TokenPostings returns the claim ids whose tokens include token, for tenant.
func (s *Store) TokenPostings(tenant, token string) stringSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSet(s.invertedIndex[tenant][token])
}

// EntityPostings returns the claim ids tagged with the (normalized) entity.
func (s *Store) EntityPostings(tenant, entity string) stringSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSet(s.entityIndex[tenant][normalizeEntity(entity)])
}

// EmbeddingPostings returns the claim ids tagged with embeddingID.
func (s *Store) EmbeddingPostings(tenant, embeddingID string) stringSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSet(s.embeddingIndex[tenant][embeddingID])
}

// TemporalRange returns claim ids whose event_time_unix falls in [from, to].
func (s *Store) TemporalRange(tenant string, from, to int64) stringSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.temporalByTen[tenant]
	if idx == nil {
		return stringSet{}
	}
	return idx.Range(from, to)
}

// ANNSearch runs an approximate nearest-neighbor search over tenant's
// vector graph, returning up to the expansion budget's worth of ids.
func (s *Store) ANNSearch(tenant string, query []float32, topN int, cfg ann.SearchConfig) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.annGraphs[tenant]
	if g == nil {
		return nil
	}
	return g.Search(query, topN, cfg)
}

// TenantCorpus computes BM25 document-frequency statistics over every
// claim currently held for tenant.
func (s *Store) TenantCorpus(tenant string) *bm25.Corpus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	corpus := &bm25.Corpus{DocFreq: make(map[string]int)}
	var totalLen int
	for claimID := range s.tenantClaimIDs[tenant] {
		toks := s.claimTokens[claimID]
		corpus.TotalDocs++
		totalLen += len(toks)
		seen := make(stringSet, len(toks))
		for _, t := range toks {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			corpus.DocFreq[t]++
		}
	}
	if corpus.TotalDocs > 0 {
		corpus.AvgDocLen = float64(totalLen) / float64(corpus.TotalDocs)
	}
	return corpus
}

// IndexStats reports per-tenant and aggregate index sizes for diagnostics.
type IndexStats struct {
	TotalClaims     int
	TotalEvidence   int
	TotalEdges      int
	TotalVectors    int
	TenantClaimLens map[string]int
}

func (s *Store) IndexStats() IndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := IndexStats{
		TotalClaims:     len(s.claims),
		TotalVectors:    len(s.claimVectors),
		TenantClaimLens: make(map[string]int, len(s.tenantClaimIDs)),
	}
	for _, ev := range s.evidenceByClaim {
		stats.TotalEvidence += len(ev)
	}
	for _, eg := range s.edgesByClaim {
		stats.TotalEdges += len(eg)
	}
	for tenant, set := range s.tenantClaimIDs {
		stats.TenantClaimLens[tenant] = len(set)
	}
	return stats
}
