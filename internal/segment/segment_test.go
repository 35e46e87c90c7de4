package segment

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/model"
)

func TestPersistSegmentsAtomicThenCacheLoadsClaimIDs(t *testing.T) {
	root := t.TempDir()
	tenantDir := filepath.Join(root, "tenant-a")

	segments := []model.Segment{
		{SegmentID: "seg-1", Tier: model.TierHot, ClaimIDs: []string{"c1", "c2"}},
		{SegmentID: "seg-2", Tier: model.TierWarm, ClaimIDs: []string{"c3"}},
	}
	manifest, err := PersistSegmentsAtomic(tenantDir, "tenant-a", segments)
	require.NoError(t, err)
	require.Len(t, manifest.Entries, 2)

	cache := NewCache(time.Minute)
	claimIDs, ok := cache.Get("tenant-a", root, time.Now())
	require.True(t, ok)
	require.Contains(t, claimIDs, "c1")
	require.Contains(t, claimIDs, "c3")

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.RefreshSuccesses)
}

func TestCacheFallsBackOnMissingManifest(t *testing.T) {
	root := t.TempDir()
	cache := NewCache(time.Minute)

	_, ok := cache.Get("tenant-missing", root, time.Now())
	require.False(t, ok)

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.FallbackActivations)
	require.Equal(t, int64(1), stats.FallbackMissingManifest)
}

func TestCacheServesFromCacheWithinRefreshInterval(t *testing.T) {
	root := t.TempDir()
	tenantDir := filepath.Join(root, "tenant-a")
	_, err := PersistSegmentsAtomic(tenantDir, "tenant-a", []model.Segment{
		{SegmentID: "seg-1", Tier: model.TierHot, ClaimIDs: []string{"c1"}},
	})
	require.NoError(t, err)

	cache := NewCache(time.Hour)
	now := time.Now()
	_, ok := cache.Get("tenant-a", root, now)
	require.True(t, ok)

	_, ok = cache.Get("tenant-a", root, now.Add(time.Second))
	require.True(t, ok)

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.RefreshAttempts)
	require.Equal(t, int64(1), stats.CacheHits)
}

func TestCacheReloadsAfterIntervalElapses(t *testing.T) {
	root := t.TempDir()
	tenantDir := filepath.Join(root, "tenant-a")
	_, err := PersistSegmentsAtomic(tenantDir, "tenant-a", []model.Segment{
		{SegmentID: "seg-1", Tier: model.TierHot, ClaimIDs: []string{"c1"}},
	})
	require.NoError(t, err)

	cache := NewCache(time.Millisecond)
	now := time.Now()
	_, ok := cache.Get("tenant-a", root, now)
	require.True(t, ok)

	_, ok = cache.Get("tenant-a", root, now.Add(time.Second))
	require.True(t, ok)

	stats := cache.Stats()
	require.Equal(t, int64(2), stats.RefreshAttempts)
}
