// Package config loads process configuration from environment variables,
// binding both the DASH_* and legacy EME_* names onto a single typed
// struct read once at process start. DASH_* wins when both are set.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dashkv/dash/internal/jwtauth"
	"github.com/dashkv/dash/internal/placement"
)

// Config is the fully resolved process configuration.
type Config struct {
	SegmentDir                   string
	SegmentCacheRefreshMs         int
	SegmentMaintenanceIntervalMs  int
	SegmentGCStaleAgeMs           int
	SegmentWarmAfterCycles        int
	SegmentColdAfterCycles        int

	WalPath                 string
	WalAsyncFlushIntervalMs int

	HTTPWorkerCount    int
	HTTPQueueCapacity  int
	HTTPAddr           string

	PlacementFile            string
	PlacementReloadIntervalMs int
	LocalNodeID              string
	RouterReadPreference     string
	ShardIDs                 []string
	VirtualNodesPerShard     int
	ReplicaCount             int

	APIKey          string
	APIKeySet       []string
	APIRevokedKeys  []string
	APIScopes       []string
	AllowedTenants  []string

	AuditLogPath string

	ReplicationToken           string
	ReplicationPollIntervalMs int
	ReplicationSourceURL      string

	GraphMaxHops                 int
	GraphEdgeDecay                float64
	GraphSupportBonus             float64
	GraphContradictionPenalty     float64

	JWT jwtauth.Config
}

func bindAlias(v *viper.Viper, key, envSuffix string) {
	v.BindEnv(key, "DASH_"+envSuffix, "EME_"+envSuffix)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("segment_dir", "./data/segments")
	v.SetDefault("segment_cache_refresh_ms", 2000)
	v.SetDefault("segment_maintenance_interval_ms", 60000)
	v.SetDefault("segment_gc_stale_age_ms", 3600000)
	v.SetDefault("segment_warm_after_cycles", 1)
	v.SetDefault("segment_cold_after_cycles", 2)
	v.SetDefault("wal_path", "./data/wal.log")
	v.SetDefault("wal_async_flush_interval_ms", 200)
	v.SetDefault("http_worker_count", 8)
	v.SetDefault("http_queue_capacity", 256)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("placement_file", "./data/placements.csv")
	v.SetDefault("placement_reload_interval_ms", 30000)
	v.SetDefault("local_node_id", "")
	v.SetDefault("router_read_preference", string(placement.ReadAnyHealthy))
	v.SetDefault("shard_ids", "")
	v.SetDefault("virtual_nodes_per_shard", 64)
	v.SetDefault("replica_count", 3)
	v.SetDefault("audit_log_path", "")
	v.SetDefault("replication_poll_interval_ms", 5000)
	v.SetDefault("graph_max_hops", 3)
	v.SetDefault("graph_edge_decay", 0.6)
	v.SetDefault("graph_support_bonus", 0.1)
	v.SetDefault("graph_contradiction_penalty", 0.2)
	v.SetDefault("jwt_leeway_secs", 30)
	v.SetDefault("jwt_require_exp", true)

	bindAlias(v, "segment_dir", "SEGMENT_DIR")
	bindAlias(v, "segment_cache_refresh_ms", "SEGMENT_CACHE_REFRESH_MS")
	bindAlias(v, "segment_maintenance_interval_ms", "SEGMENT_MAINTENANCE_INTERVAL_MS")
	bindAlias(v, "segment_gc_stale_age_ms", "SEGMENT_GC_STALE_AGE_MS")
	bindAlias(v, "segment_warm_after_cycles", "SEGMENT_WARM_AFTER_CYCLES")
	bindAlias(v, "segment_cold_after_cycles", "SEGMENT_COLD_AFTER_CYCLES")
	bindAlias(v, "wal_path", "WAL_PATH")
	bindAlias(v, "wal_async_flush_interval_ms", "WAL_ASYNC_FLUSH_INTERVAL_MS")
	bindAlias(v, "http_worker_count", "HTTP_WORKER_COUNT")
	bindAlias(v, "http_queue_capacity", "HTTP_QUEUE_CAPACITY")
	bindAlias(v, "http_addr", "HTTP_ADDR")
	bindAlias(v, "placement_file", "PLACEMENT_FILE")
	bindAlias(v, "placement_reload_interval_ms", "PLACEMENT_RELOAD_INTERVAL_MS")
	bindAlias(v, "local_node_id", "LOCAL_NODE_ID")
	bindAlias(v, "router_read_preference", "ROUTER_READ_PREFERENCE")
	bindAlias(v, "shard_ids", "SHARD_IDS")
	bindAlias(v, "virtual_nodes_per_shard", "VIRTUAL_NODES_PER_SHARD")
	bindAlias(v, "replica_count", "REPLICA_COUNT")
	bindAlias(v, "api_key", "API_KEY")
	bindAlias(v, "api_key_set", "API_KEY_SET")
	bindAlias(v, "api_revoked_keys", "API_REVOKED_KEYS")
	bindAlias(v, "api_scopes", "API_SCOPES")
	bindAlias(v, "allowed_tenants", "ALLOWED_TENANTS")
	bindAlias(v, "audit_log_path", "AUDIT_LOG_PATH")
	bindAlias(v, "replication_token", "REPLICATION_TOKEN")
	bindAlias(v, "replication_poll_interval_ms", "REPLICATION_POLL_INTERVAL_MS")
	bindAlias(v, "replication_source_url", "REPLICATION_SOURCE_URL")
	bindAlias(v, "graph_max_hops", "GRAPH_MAX_HOPS")
	bindAlias(v, "graph_edge_decay", "GRAPH_EDGE_DECAY")
	bindAlias(v, "graph_support_bonus", "GRAPH_SUPPORT_BONUS")
	bindAlias(v, "graph_contradiction_penalty", "GRAPH_CONTRADICTION_PENALTY")
	bindAlias(v, "jwt_issuer", "JWT_ISSUER")
	bindAlias(v, "jwt_audience", "JWT_AUDIENCE")
	bindAlias(v, "jwt_leeway_secs", "JWT_LEEWAY_SECS")
	bindAlias(v, "jwt_require_exp", "JWT_REQUIRE_EXP")
	bindAlias(v, "jwt_hs256_secret", "JWT_HS256_SECRET")
	bindAlias(v, "jwt_hs256_fallback_secrets", "JWT_HS256_FALLBACK_SECRETS")
	bindAlias(v, "jwt_hs256_secrets_by_kid", "JWT_HS256_SECRETS_BY_KID")

	return v
}

// splitKidSecrets parses "kid1=secret1,kid2=secret2" into a map; entries
// with no "=" are skipped.
func splitKidSecrets(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		kid, secret, ok := strings.Cut(pair, "=")
		if !ok || kid == "" || secret == "" {
			continue
		}
		out[kid] = secret
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads every bound env var (DASH_* preferred, EME_* as a legacy
// fallback) into a Config, applying the defaults above where neither is
// set.
func Load() *Config {
	v := newViper()
	return &Config{
		SegmentDir:                   v.GetString("segment_dir"),
		SegmentCacheRefreshMs:        v.GetInt("segment_cache_refresh_ms"),
		SegmentMaintenanceIntervalMs: v.GetInt("segment_maintenance_interval_ms"),
		SegmentGCStaleAgeMs:          v.GetInt("segment_gc_stale_age_ms"),
		SegmentWarmAfterCycles:       v.GetInt("segment_warm_after_cycles"),
		SegmentColdAfterCycles:       v.GetInt("segment_cold_after_cycles"),

		WalPath:                 v.GetString("wal_path"),
		WalAsyncFlushIntervalMs: v.GetInt("wal_async_flush_interval_ms"),

		HTTPWorkerCount:   v.GetInt("http_worker_count"),
		HTTPQueueCapacity: v.GetInt("http_queue_capacity"),
		HTTPAddr:          v.GetString("http_addr"),

		PlacementFile:             v.GetString("placement_file"),
		PlacementReloadIntervalMs: v.GetInt("placement_reload_interval_ms"),
		LocalNodeID:               v.GetString("local_node_id"),
		RouterReadPreference:      v.GetString("router_read_preference"),
		ShardIDs:                  splitCSV(v.GetString("shard_ids")),
		VirtualNodesPerShard:      v.GetInt("virtual_nodes_per_shard"),
		ReplicaCount:              v.GetInt("replica_count"),

		APIKey:         v.GetString("api_key"),
		APIKeySet:      splitCSV(v.GetString("api_key_set")),
		APIRevokedKeys: splitCSV(v.GetString("api_revoked_keys")),
		APIScopes:      splitCSV(v.GetString("api_scopes")),
		AllowedTenants: splitCSV(v.GetString("allowed_tenants")),

		AuditLogPath: v.GetString("audit_log_path"),

		ReplicationToken:          v.GetString("replication_token"),
		ReplicationPollIntervalMs: v.GetInt("replication_poll_interval_ms"),
		ReplicationSourceURL:      v.GetString("replication_source_url"),

		GraphMaxHops:               v.GetInt("graph_max_hops"),
		GraphEdgeDecay:             v.GetFloat64("graph_edge_decay"),
		GraphSupportBonus:          v.GetFloat64("graph_support_bonus"),
		GraphContradictionPenalty:  v.GetFloat64("graph_contradiction_penalty"),

		JWT: jwtauth.Config{
			Issuer:               v.GetString("jwt_issuer"),
			Audience:             v.GetString("jwt_audience"),
			LeewaySecs:           v.GetInt("jwt_leeway_secs"),
			RequireExp:           v.GetBool("jwt_require_exp"),
			HS256Secret:          v.GetString("jwt_hs256_secret"),
			HS256FallbackSecrets: splitCSV(v.GetString("jwt_hs256_fallback_secrets")),
			HS256SecretsByKid:    splitKidSecrets(v.GetString("jwt_hs256_secrets_by_kid")),
		},
	}
}

// ReplicationPollInterval is ReplicationPollIntervalMs as a Duration.
func (c *Config) ReplicationPollInterval() time.Duration {
	return time.Duration(c.ReplicationPollIntervalMs) * time.Millisecond
}

// SegmentCacheRefreshInterval is SegmentCacheRefreshMs as a Duration.
func (c *Config) SegmentCacheRefreshInterval() time.Duration {
	return time.Duration(c.SegmentCacheRefreshMs) * time.Millisecond
}

// PlacementReloadInterval is PlacementReloadIntervalMs as a Duration.
func (c *Config) PlacementReloadInterval() time.Duration {
	return time.Duration(c.PlacementReloadIntervalMs) * time.Millisecond
}

// WalAsyncFlushInterval is WalAsyncFlushIntervalMs as a Duration.
func (c *Config) WalAsyncFlushInterval() time.Duration {
	return time.Duration(c.WalAsyncFlushIntervalMs) * time.Millisecond
}
