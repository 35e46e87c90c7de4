// Package httpapi is the ingestion-side HTTP surface: POST /v1/ingest,
// POST /v1/ingest/batch, health/metrics, placement/checkpoint debug
// endpoints, and the server side of the replication delta/export
// protocol. Every handler is a thin translation of a gin request into an
// internal/engine call; all gating, locking and metrics live there.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dashkv/dash/internal/config"
	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/engine"
	"github.com/dashkv/dash/internal/ingest"
	"github.com/dashkv/dash/internal/jwtauth"
	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/replication"
)

// WorkQueue bounds concurrent request handling to HTTPQueueCapacity slots
// (HTTPWorkerCount when no capacity is set), additionally smoothed by a
// token-bucket limiter admitting HTTPWorkerCount requests per second with
// a burst of the same size, so a burst fills the queue gradually instead
// of admitting it all at once.
type WorkQueue struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

func NewWorkQueue(workerCount, queueCapacity int) *WorkQueue {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = workerCount
	}
	return &WorkQueue{
		sem:     make(chan struct{}, queueCapacity),
		limiter: rate.NewLimiter(rate.Limit(workerCount), workerCount),
	}
}

// Middleware rejects with Backpressure once the queue is full or the
// admission rate is exceeded, rather than blocking the request.
func (q *WorkQueue) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !q.limiter.Allow() {
			writeError(c, dasherr.Backpressure("request rate exceeds configured capacity"))
			c.Abort()
			return
		}
		select {
		case q.sem <- struct{}{}:
			defer func() { <-q.sem }()
			c.Next()
		default:
			writeError(c, dasherr.Backpressure("ingest queue is full"))
			c.Abort()
		}
	}
}

// Server wires the ingestion HTTP surface around one *engine.Engine.
type Server struct {
	eng   *engine.Engine
	cfg   *config.Config
	queue *WorkQueue
	log   zerolog.Logger
}

func NewServer(eng *engine.Engine, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{
		eng:   eng,
		cfg:   cfg,
		queue: NewWorkQueue(cfg.HTTPWorkerCount, cfg.HTTPQueueCapacity),
		log:   log,
	}
}

func writeError(c *gin.Context, err error) {
	if de, ok := dasherr.As(err); ok {
		c.JSON(de.HTTPStatus(), gin.H{"error": de.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Router assembles the gin engine serving every ingestion-side route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/debug/placement", s.handlePlacementDebug)
	r.GET("/debug/checkpoints", s.handleCheckpointsDebug)
	r.GET("/internal/replication/wal", s.authenticateReplication, s.handleReplicationDelta)
	r.GET("/internal/replication/export", s.authenticateReplication, s.handleReplicationExport)

	authed := r.Group("/v1")
	authed.Use(s.authenticate, s.queue.Middleware())
	authed.POST("/ingest", s.handleIngestSingle)
	authed.POST("/ingest/batch", s.handleIngestBatch)

	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) authenticateReplication(c *gin.Context) {
	token := c.GetHeader(replication.TokenHeader)
	if err := replication.Authenticate(s.cfg.ReplicationToken, token); err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Next()
}

// authenticate enforces the API-key gate and, when a JWT secret is
// configured, validates the bearer token and keeps its claims for the
// per-handler tenant check in checkTenantAccess — both share the same
// uniform error shape via writeError. Configured API scopes (APIScopes)
// are not checked.
func (s *Server) authenticate(c *gin.Context) {
	if err := s.checkAPIKey(c); err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	if s.cfg.JWT.HS256Secret != "" {
		claims, err := s.authenticateBearer(c)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set("jwt_claims", claims)
	}
	c.Next()
}

func (s *Server) checkAPIKey(c *gin.Context) error {
	if len(s.cfg.APIKeySet) == 0 && s.cfg.APIKey == "" {
		return nil
	}
	key := c.GetHeader("X-Dash-Api-Key")
	for _, revoked := range s.cfg.APIRevokedKeys {
		if key == revoked {
			return dasherr.Forbidden("api key has been revoked")
		}
	}
	if key == s.cfg.APIKey {
		return nil
	}
	for _, k := range s.cfg.APIKeySet {
		if key == k {
			return nil
		}
	}
	return dasherr.Unauthorized("missing or unrecognized api key")
}

func (s *Server) authenticateBearer(c *gin.Context) (*jwtauth.Claims, error) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, dasherr.Unauthorized("missing bearer token")
	}
	claims, err := s.cfg.JWT.Validate(header[len(prefix):])
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) checkTenantAccess(c *gin.Context, tenant string) error {
	if len(s.cfg.AllowedTenants) > 0 {
		allowed := false
		for _, t := range s.cfg.AllowedTenants {
			if t == tenant || t == "*" {
				allowed = true
				break
			}
		}
		if !allowed {
			return dasherr.Forbidden("tenant %q is not permitted on this node", tenant)
		}
	}
	if v, ok := c.Get("jwt_claims"); ok {
		claims := v.(*jwtauth.Claims)
		if !claims.HasTenant(tenant) {
			return dasherr.Forbidden("token does not grant access to tenant %q", tenant)
		}
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if h, ok := s.eng.Metrics().(interface{ Handler() http.Handler }); ok {
		h.Handler().ServeHTTP(c.Writer, c.Request)
		return
	}
	c.String(http.StatusOK, "")
}

func (s *Server) handlePlacementDebug(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.PlacementRouter().Stats())
}

func (s *Server) handleCheckpointsDebug(c *gin.Context) {
	snap, err := s.eng.WAL().SnapshotStat()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot_path":    snap.Path,
		"snapshot_exists":  snap.Exists,
		"snapshot_records": snap.Records,
		"snapshot_bytes":   snap.Bytes,
		"wal_records":      s.eng.WAL().WalRecords(),
		"wal_file_len":     s.eng.WAL().FileLen(),
		"segment_cache":    s.eng.SegmentCache().Stats(),
	})
}

func (s *Server) handleReplicationDelta(c *gin.Context) {
	fromOffset := queryInt64(c, "from_offset", 0)
	maxRecords := int(queryInt64(c, "max_records", 1000))

	nextOffset, lines, needsResync, err := s.eng.WAL().ReplicationDeltaFrom(fromOffset, maxRecords)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"records":      len(lines),
		"next_offset":  nextOffset,
		"needs_resync": needsResync,
		"lines":        lines,
	})
}

func (s *Server) handleReplicationExport(c *gin.Context) {
	snapshotLines, walLines, err := s.eng.WAL().ReplicationExport()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot_lines": snapshotLines,
		"wal_lines":      walLines,
	})
}

func queryInt64(c *gin.Context, key string, def int64) int64 {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// claimRequest is the wire shape for one claim within an ingest request;
// kept distinct from model.Claim since the domain type carries an
// unexported revision counter that never appears on the wire.
type claimRequest struct {
	ClaimID       string   `json:"claim_id" binding:"required"`
	TenantID      string   `json:"tenant_id" binding:"required"`
	CanonicalText string   `json:"canonical_text" binding:"required"`
	Confidence    float32  `json:"confidence"`
	EventTimeUnix *int64   `json:"event_time_unix"`
	Entities      []string `json:"entities"`
	EmbeddingIDs  []string `json:"embedding_ids"`
	ClaimType     string   `json:"claim_type"`
	ValidFrom     *int64   `json:"valid_from"`
	ValidTo       *int64   `json:"valid_to"`
	CreatedAt     *int64   `json:"created_at"`
	UpdatedAt     *int64   `json:"updated_at"`
}

func (r claimRequest) toModel() *model.Claim {
	return &model.Claim{
		ClaimID:       r.ClaimID,
		TenantID:      r.TenantID,
		CanonicalText: r.CanonicalText,
		Confidence:    r.Confidence,
		EventTimeUnix: r.EventTimeUnix,
		Entities:      r.Entities,
		EmbeddingIDs:  r.EmbeddingIDs,
		ClaimType:     r.ClaimType,
		ValidFrom:     r.ValidFrom,
		ValidTo:       r.ValidTo,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type evidenceRequest struct {
	EvidenceID      string  `json:"evidence_id" binding:"required"`
	ClaimID         string  `json:"claim_id" binding:"required"`
	SourceID        string  `json:"source_id" binding:"required"`
	Stance          string  `json:"stance" binding:"required"`
	SourceQuality   float32 `json:"source_quality"`
	ChunkID         string  `json:"chunk_id"`
	SpanStart       *uint32 `json:"span_start"`
	SpanEnd         *uint32 `json:"span_end"`
	DocID           string  `json:"doc_id"`
	ExtractionModel string  `json:"extraction_model"`
}

func (r evidenceRequest) toModel() *model.Evidence {
	return &model.Evidence{
		EvidenceID:      r.EvidenceID,
		ClaimID:         r.ClaimID,
		SourceID:        r.SourceID,
		Stance:          model.Stance(r.Stance),
		SourceQuality:   r.SourceQuality,
		ChunkID:         r.ChunkID,
		SpanStart:       r.SpanStart,
		SpanEnd:         r.SpanEnd,
		DocID:           r.DocID,
		ExtractionModel: r.ExtractionModel,
	}
}

type edgeRequest struct {
	EdgeID      string   `json:"edge_id" binding:"required"`
	FromClaimID string   `json:"from_claim_id" binding:"required"`
	ToClaimID   string   `json:"to_claim_id" binding:"required"`
	Relation    string   `json:"relation" binding:"required"`
	Strength    float32  `json:"strength"`
	ReasonCodes []string `json:"reason_codes"`
}

func (r edgeRequest) toModel() *model.ClaimEdge {
	return &model.ClaimEdge{
		EdgeID:      r.EdgeID,
		FromClaimID: r.FromClaimID,
		ToClaimID:   r.ToClaimID,
		Relation:    model.Relation(r.Relation),
		Strength:    r.Strength,
		ReasonCodes: r.ReasonCodes,
	}
}

type ingestRequest struct {
	Claim      claimRequest      `json:"claim" binding:"required"`
	Vector     []float32         `json:"embedding_vector"`
	Evidence   []evidenceRequest `json:"evidence"`
	Edges      []edgeRequest     `json:"edges"`
	Persistent *bool             `json:"persistent"`
}

func (r ingestRequest) toBundle() ingest.Bundle {
	b := ingest.Bundle{Claim: r.Claim.toModel(), Vector: r.Vector}
	for _, e := range r.Evidence {
		b.Evidence = append(b.Evidence, e.toModel())
	}
	for _, e := range r.Edges {
		b.Edges = append(b.Edges, e.toModel())
	}
	return b
}

func (s *Server) handleIngestSingle(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, dasherr.Validation("malformed ingest request: %v", err))
		return
	}
	if err := s.checkTenantAccess(c, req.Claim.TenantID); err != nil {
		writeError(c, err)
		return
	}

	persistent := true
	if req.Persistent != nil {
		persistent = *req.Persistent
	}

	result, err := s.eng.IngestSingle(req.toBundle(), persistent)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ingested_claim_id":                result.ClaimID,
		"claims_total":                     result.ClaimsTotal,
		"checkpoint_triggered":             result.CheckpointTriggered,
		"checkpoint_snapshot_records":      result.CheckpointSnapshotRecords,
		"checkpoint_truncated_wal_records": result.CheckpointTruncatedRecords,
	})
}

type batchIngestRequest struct {
	CommitID string          `json:"commit_id"`
	Items    []ingestRequest `json:"items" binding:"required"`
}

func (s *Server) handleIngestBatch(c *gin.Context) {
	var req batchIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, dasherr.Validation("malformed batch ingest request: %v", err))
		return
	}
	if len(req.Items) == 0 {
		writeError(c, dasherr.Validation("batch must contain at least one item"))
		return
	}

	tenant := req.Items[0].Claim.TenantID
	for _, item := range req.Items {
		if item.Claim.TenantID != tenant {
			writeError(c, dasherr.Validation("all batch items must share the same tenant_id"))
			return
		}
	}
	if err := s.checkTenantAccess(c, tenant); err != nil {
		writeError(c, err)
		return
	}

	commitID := req.CommitID
	if commitID == "" {
		commitID = ingest.NewRollbackToken()
	}

	bundles := make([]ingest.Bundle, 0, len(req.Items))
	for _, item := range req.Items {
		bundles = append(bundles, item.toBundle())
	}
	payloadHash := hashBatchPayload(req.Items)

	result, err := s.eng.BatchIngest(tenant, commitID, bundles, payloadHash, time.Now().UnixMilli())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ingested_claim_id":                "",
		"claims_total":                     result.ClaimsTotal,
		"checkpoint_triggered":             result.CheckpointTriggered,
		"checkpoint_snapshot_records":      result.CheckpointSnapshotRecords,
		"checkpoint_truncated_wal_records": result.CheckpointTruncatedRecords,
		"commit_id":                        result.CommitID,
		"idempotent_replay":                result.IdempotentReplay,
		"batch_size":                       result.BatchSize,
		"ingested_claim_ids":               result.ClaimIDs,
	})
}
