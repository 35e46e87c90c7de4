// Package retrievalapi is the retrieval-side HTTP surface: GET|POST
// /v1/retrieve plus its debug companions (/debug/planner,
// /debug/storage-visibility). It shares the auth/tenant gating shape of
// internal/httpapi (the ingestion surface) but stays an independent
// service: cmd/dashd mounts both onto one shared gin engine rather than
// this package depending on httpapi's unexported gate, so the two can
// also run as separate processes.
package retrievalapi

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dashkv/dash/internal/config"
	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/engine"
	"github.com/dashkv/dash/internal/jwtauth"
	"github.com/dashkv/dash/internal/placement"
	"github.com/dashkv/dash/internal/planner"
)

// Server wires the retrieval HTTP surface around one *engine.Engine.
type Server struct {
	eng *engine.Engine
	cfg *config.Config
	log zerolog.Logger
}

func NewServer(eng *engine.Engine, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{eng: eng, cfg: cfg, log: log}
}

func writeError(c *gin.Context, err error) {
	if de, ok := dasherr.As(err); ok {
		c.JSON(de.HTTPStatus(), gin.H{"error": de.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// RegisterRoutes mounts the retrieval routes onto a gin engine that
// already carries the shared /health, /metrics and /debug/placement
// routes registered by internal/httpapi's Server.Router.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/debug/planner", s.handlePlannerDebug)
	r.GET("/debug/storage-visibility", s.handleStorageVisibilityDebug)

	authed := r.Group("/v1")
	authed.Use(s.authenticate)
	authed.GET("/retrieve", s.handleRetrieve)
	authed.POST("/retrieve", s.handleRetrieve)
}

// Router builds a standalone gin engine carrying only the retrieval
// routes plus health/metrics, for deployments that run ingestion and
// retrieval as separate processes rather than one combined cmd/dashd.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", func(c *gin.Context) {
		if h, ok := s.eng.Metrics().(interface{ Handler() http.Handler }); ok {
			h.Handler().ServeHTTP(c.Writer, c.Request)
			return
		}
		c.String(http.StatusOK, "")
	})
	r.GET("/debug/placement", func(c *gin.Context) { c.JSON(http.StatusOK, s.eng.PlacementRouter().Stats()) })
	s.RegisterRoutes(r)
	return r
}

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
	return s.cfg.JWT.Validate(header[len(prefix):])
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

// timeRange is the wire shape of an optional retrieval time window.
type timeRange struct {
	From *int64 `json:"from" form:"from"`
	To   *int64 `json:"to" form:"to"`
}

// retrieveRequest is the wire shape of a /v1/retrieve request, bound
// from either the JSON body (POST) or the query string (GET).
type retrieveRequest struct {
	TenantID           string    `json:"tenant_id" form:"tenant_id" binding:"required"`
	Query              string    `json:"query" form:"query"`
	QueryEmbedding     []float32 `json:"query_embedding"`
	EntityFilters      []string  `json:"entity_filters" form:"entity_filters"`
	EmbeddingIDFilters []string  `json:"embedding_id_filters" form:"embedding_id_filters"`
	TopK               int       `json:"top_k" form:"top_k"`
	StanceMode         string    `json:"stance_mode" form:"stance_mode"`
	ReturnGraph        bool      `json:"return_graph" form:"return_graph"`
	TimeRange          *timeRange `json:"time_range"`
	ReadConsistency    string    `json:"read_consistency" form:"read_consistency"`

	// From/To let a GET request express a time window without a nested
	// JSON object, since query strings have no nesting of their own.
	From *int64 `json:"-" form:"from"`
	To   *int64 `json:"-" form:"to"`
}

func (r retrieveRequest) toQuery() planner.Query {
	q := planner.Query{
		TenantID:         r.TenantID,
		Text:             r.Query,
		QueryVector:      r.QueryEmbedding,
		TopK:             r.TopK,
		EntityFilters:    r.EntityFilters,
		EmbeddingFilters: r.EmbeddingIDFilters,
		StanceMode:       planner.StanceModeAny,
		IncludeGraph:     r.ReturnGraph,
	}
	if r.StanceMode == string(planner.StanceModeSupportOnly) {
		q.StanceMode = planner.StanceModeSupportOnly
	}
	if r.TimeRange != nil {
		q.FromUnix = r.TimeRange.From
		q.ToUnix = r.TimeRange.To
	} else if r.From != nil || r.To != nil {
		q.FromUnix = r.From
		q.ToUnix = r.To
	}
	if q.TopK <= 0 {
		q.TopK = 10
	}
	return q
}

func bindRequest(c *gin.Context) (retrieveRequest, error) {
	var req retrieveRequest
	if c.Request.Method == http.MethodGet {
		if err := c.ShouldBindQuery(&req); err != nil {
			return req, dasherr.Validation("malformed retrieve request: %v", err)
		}
		return req, nil
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, dasherr.Validation("malformed retrieve request: %v", err)
	}
	return req, nil
}

func readConsistency(s string) placement.ReadConsistency {
	switch placement.ReadConsistency(s) {
	case placement.ConsistencyQuorum:
		return placement.ConsistencyQuorum
	case placement.ConsistencyAll:
		return placement.ConsistencyAll
	default:
		return placement.ConsistencyOne
	}
}

type citationDTO struct {
	EvidenceID    string `json:"evidence_id"`
	SourceID      string `json:"source_id"`
	Stance        string `json:"stance"`
	SourceQuality float32 `json:"source_quality"`
}

type resultDTO struct {
	ClaimID              string        `json:"claim_id"`
	Score                float64       `json:"score"`
	CanonicalText        string        `json:"canonical_text"`
	Confidence           float32       `json:"confidence"`
	ConfidenceBand       string        `json:"confidence_band"`
	DominantStance       string        `json:"dominant_stance"`
	ContradictionRisk    float64       `json:"contradiction_risk"`
	Supports             int           `json:"supports"`
	Contradicts          int           `json:"contradicts"`
	Citations            []citationDTO `json:"citations"`
	TemporalMatchMode    string        `json:"temporal_match_mode,omitempty"`
	TemporalInRange      *bool         `json:"temporal_in_range,omitempty"`
	GraphScore           *float32      `json:"graph_score,omitempty"`
	SupportPathCount     *int          `json:"support_path_count,omitempty"`
	ContradictionChainDepth *int       `json:"contradiction_chain_depth,omitempty"`
}

func toResultDTO(r planner.Result, graph map[string]*engineGraphResult) resultDTO {
	var supports, contradicts int
	citations := make([]citationDTO, 0, len(r.Citations))
	for _, cit := range r.Citations {
		switch cit.Stance {
		case "supports":
			supports++
		case "contradicts":
			contradicts++
		}
		citations = append(citations, citationDTO{
			EvidenceID:    cit.EvidenceID,
			SourceID:      cit.SourceID,
			Stance:        string(cit.Stance),
			SourceQuality: cit.SourceQuality,
		})
	}

	dto := resultDTO{
		ClaimID:           r.ClaimID,
		Score:             r.Score,
		CanonicalText:     r.Claim.CanonicalText,
		Confidence:        r.Claim.Confidence,
		ConfidenceBand:    r.ConfidenceBand,
		DominantStance:    r.DominantStance,
		ContradictionRisk: r.ContradictionRisk,
		Supports:          supports,
		Contradicts:       contradicts,
		Citations:         citations,
	}
	if r.Temporal != nil {
		dto.TemporalMatchMode = r.Temporal.MatchMode
		inRange := r.Temporal.InRange
		dto.TemporalInRange = &inRange
	}
	if g, ok := graph[r.ClaimID]; ok {
		dto.GraphScore = &g.GraphScore
		dto.SupportPathCount = &g.SupportPathCount
		dto.ContradictionChainDepth = &g.ContradictionChainDepth
	}
	return dto
}

// engineGraphResult mirrors graphreason.NodeResult locally so this file
// doesn't need to import graphreason just to read three fields back out
// of engine.RetrieveResult.GraphResults.
type engineGraphResult struct {
	GraphScore              float32
	SupportPathCount         int
	ContradictionChainDepth int
}

func (s *Server) handleRetrieve(c *gin.Context) {
	req, err := bindRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.checkTenantAccess(c, req.TenantID); err != nil {
		writeError(c, err)
		return
	}

	out, err := s.eng.Retrieve(req.toQuery(), readConsistency(req.ReadConsistency))
	if err != nil {
		writeError(c, err)
		return
	}

	graph := make(map[string]*engineGraphResult, len(out.GraphResults))
	for id, g := range out.GraphResults {
		graph[id] = &engineGraphResult{
			GraphScore:              g.GraphScore,
			SupportPathCount:        g.SupportPathCount,
			ContradictionChainDepth: g.ContradictionChainDepth,
		}
	}

	results := make([]resultDTO, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, toResultDTO(r, graph))
	}

	resp := gin.H{
		"results": results,
		"diagnostics": gin.H{
			"source_of_truth_model":            out.Diagnostics.SourceOfTruthModel,
			"execution_mode":                    out.Diagnostics.ExecutionMode,
			"execution_candidate_count":         out.Diagnostics.ExecutionCandidateCount,
			"promotion_boundary_state":          out.Diagnostics.PromotionBoundaryState,
			"promotion_boundary_in_transition":  out.Diagnostics.PromotionBoundaryInTransition,
			"from_segment_base":                 out.Diagnostics.FromSegmentBase,
			"from_wal_delta":                     out.Diagnostics.FromWalDelta,
			"source_unknown":                     out.Diagnostics.SourceUnknown,
			"outside_storage_visible":            out.Diagnostics.OutsideStorageVisible,
		},
	}
	if len(req.QueryEmbedding) > 0 {
		resp["ann_candidate_count_for_query_vector"] = out.ANNCandidates
	}
	if req.ReturnGraph {
		graphPayload := make(map[string]gin.H, len(out.GraphResults))
		for id, g := range out.GraphResults {
			graphPayload[id] = gin.H{
				"graph_score":               g.GraphScore,
				"support_path_count":         g.SupportPathCount,
				"contradiction_chain_depth": g.ContradictionChainDepth,
			}
		}
		resp["graph"] = graphPayload
	}

	c.JSON(http.StatusOK, resp)
}

func sortedIDs(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handlePlannerDebug(c *gin.Context) {
	req, err := bindRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.checkTenantAccess(c, req.TenantID); err != nil {
		writeError(c, err)
		return
	}

	ctx := s.eng.ClaimStorageVisibility(req.TenantID)
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":            ctx.TenantID,
		"has_metadata_filter":  ctx.HasMetadataFilter,
		"metadata_allowed":     sortedIDs(ctx.MetadataAllowed),
		"has_segment_base":     ctx.HasSegmentBase,
		"segment_base":         sortedIDs(ctx.SegmentBase),
		"wal_delta":            sortedIDs(ctx.WalDelta),
		"has_storage_visible":  ctx.HasStorageVisible,
		"storage_visible":      sortedIDs(ctx.StorageVisible),
		"has_allowed":          ctx.HasAllowed,
		"allowed":              sortedIDs(ctx.Allowed),
		"has_filtering":        ctx.HasFiltering,
		"short_circuit_empty":  ctx.ShortCircuitEmpty,
	})
}

func (s *Server) handleStorageVisibilityDebug(c *gin.Context) {
	tenant := c.Query("tenant_id")
	if tenant == "" {
		writeError(c, dasherr.Validation("tenant_id query parameter is required"))
		return
	}
	if err := s.checkTenantAccess(c, tenant); err != nil {
		writeError(c, err)
		return
	}

	ctx := s.eng.ClaimStorageVisibility(tenant)
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":           tenant,
		"segment_base":        sortedIDs(ctx.SegmentBase),
		"wal_delta":           sortedIDs(ctx.WalDelta),
		"storage_visible":     sortedIDs(ctx.StorageVisible),
		"has_segment_base":    ctx.HasSegmentBase,
		"has_storage_visible": ctx.HasStorageVisible,
	})
}
