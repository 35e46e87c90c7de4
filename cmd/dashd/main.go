// Command dashd is the server binary: it replays the WAL into a fresh
// store, wires the ingestion orchestrator, segment cache, placement
// router, metrics sink and audit log into one *engine.Engine, then
// serves the ingestion and retrieval HTTP surfaces on one shared gin
// engine, plus the segment-maintenance loop and a replication follower
// when a source is configured.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dashkv/dash/internal/ann"
	"github.com/dashkv/dash/internal/audit"
	"github.com/dashkv/dash/internal/config"
	"github.com/dashkv/dash/internal/engine"
	"github.com/dashkv/dash/internal/graphreason"
	"github.com/dashkv/dash/internal/httpapi"
	"github.com/dashkv/dash/internal/ingest"
	"github.com/dashkv/dash/internal/metrics"
	"github.com/dashkv/dash/internal/placement"
	"github.com/dashkv/dash/internal/replication"
	"github.com/dashkv/dash/internal/retrievalapi"
	"github.com/dashkv/dash/internal/segment"
	"github.com/dashkv/dash/internal/store"
	"github.com/dashkv/dash/internal/wal"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dashd:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dashd",
	Short: "dashd serves the dash multi-tenant evidence knowledge store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func serve() error {
	log := newLogger()
	cfg := config.Load()
	if cfg.LocalNodeID == "" {
		return fmt.Errorf("local_node_id must be set (DASH_LOCAL_NODE_ID)")
	}

	w, err := wal.Open(cfg.WalPath, wal.Policy{
		SyncEveryRecords:       1,
		AppendBufferMaxRecords: 32,
		SyncInterval:           time.Duration(cfg.WalAsyncFlushIntervalMs) * time.Millisecond,
	}, log.With().Str("component", "wal").Logger())
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	st := store.New()
	records, err := w.Replay()
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	for _, r := range records {
		if err := st.ApplyRecord(r); err != nil {
			log.Warn().Err(err).Msg("skipped unreplayable wal record")
		}
	}
	log.Info().Int("records", len(records)).Msg("wal replayed")

	orchestrator := ingest.New(w, st, cfg.SegmentDir, ingest.CheckpointPolicy{
		MaxWalRecords: 10000,
		MaxWalBytes:   64 << 20,
	}, log.With().Str("component", "ingest").Logger())
	orchestrator.SetTierPolicy(segment.TierPolicy{
		WarmAfterCycles: cfg.SegmentWarmAfterCycles,
		ColdAfterCycles: cfg.SegmentColdAfterCycles,
	})

	if len(cfg.ShardIDs) == 0 {
		return fmt.Errorf("shard_ids must be set (DASH_SHARD_IDS)")
	}
	router, err := placement.NewRouter(cfg.PlacementFile, placement.Config{
		ShardIDs:             cfg.ShardIDs,
		VirtualNodesPerShard: cfg.VirtualNodesPerShard,
		ReplicaCount:         cfg.ReplicaCount,
		ReadPreference:       placement.ReadPreference(cfg.RouterReadPreference),
		ReloadInterval:       time.Duration(cfg.PlacementReloadIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("load placement file: %w", err)
	}

	var auditLog *audit.Log
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
	}

	sink := metrics.NewPrometheusSink()

	eng := engine.New(w, orchestrator, router, sink, auditLog, engine.Config{
		LocalNodeID:         cfg.LocalNodeID,
		SegmentRoot:         cfg.SegmentDir,
		SegmentCacheRefresh: time.Duration(cfg.SegmentCacheRefreshMs) * time.Millisecond,
		AnnSearch:           ann.DefaultSearchConfig(),
		Graph: graphreason.Config{
			MaxHops:                   cfg.GraphMaxHops,
			EdgeDepthDecay:            float32(cfg.GraphEdgeDecay),
			SupportPathBonus:          float32(cfg.GraphSupportBonus),
			ContradictionDepthPenalty: float32(cfg.GraphContradictionPenalty),
		},
		PlacementReadPreference: placement.ReadPreference(cfg.RouterReadPreference),
	}, log.With().Str("component", "engine").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runSegmentMaintenance(ctx, cfg, log.With().Str("component", "segment-maintenance").Logger())
	if cfg.ReplicationSourceURL != "" {
		go runReplicationFollower(ctx, cfg, w, st, log.With().Str("component", "replication").Logger())
	}

	ingestSrv := httpapi.NewServer(eng, cfg, log.With().Str("component", "httpapi").Logger())
	retrieveSrv := retrievalapi.NewServer(eng, cfg, log.With().Str("component", "retrievalapi").Logger())

	r := ingestSrv.Router()
	retrieveSrv.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// runSegmentMaintenance wakes on its own interval and prunes orphaned
// segment files once they clear the configured stale age. GC works
// against on-disk manifests, not live state, so it never contends with
// the request path for the store lock.
func runSegmentMaintenance(ctx context.Context, cfg *config.Config, log zerolog.Logger) {
	interval := time.Duration(cfg.SegmentMaintenanceIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	staleAge := time.Duration(cfg.SegmentGCStaleAgeMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tenants, err := os.ReadDir(cfg.SegmentDir)
			if err != nil {
				continue
			}
			for _, t := range tenants {
				if !t.IsDir() {
					continue
				}
				tenantDir := cfg.SegmentDir + string(os.PathSeparator) + t.Name()
				removed, err := segment.GCOrphans(tenantDir, staleAge, now)
				if err != nil {
					log.Warn().Err(err).Str("tenant_dir", tenantDir).Msg("segment gc failed")
					continue
				}
				if removed > 0 {
					log.Info().Int("removed", removed).Str("tenant_dir", tenantDir).Msg("segment gc removed orphan files")
				}
			}
		}
	}
}

// runReplicationFollower drives the periodic delta-pull/resync loop
// against the configured source, replaying into w/st under their own
// internal locking.
func runReplicationFollower(ctx context.Context, cfg *config.Config, w *wal.WAL, st *store.Store, log zerolog.Logger) {
	client := replication.NewHTTPSourceClient(cfg.ReplicationSourceURL, cfg.ReplicationToken)
	follower := replication.NewFollower(client, w, st, 1000, log)
	follower.Run(ctx, cfg.ReplicationPollInterval())
}
