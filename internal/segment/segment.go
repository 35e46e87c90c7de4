// Package segment implements the per-tenant segment manifest layer: an
// atomic manifest + segment-file publish path, and a refreshing read
// cache the planner consults for the "segment base" claim-id set. Both
// the manifest and segment bodies are bson documents written via
// temp-file + rename so readers never observe a partial file.
package segment

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/model"
)

const manifestFileName = "segments.manifest"

func segmentFileName(segmentID string) string {
	return "segment_" + segmentID + ".seg"
}

// PersistSegmentsAtomic writes each segment's claim-id body, then writes
// a manifest listing all of them, both via write-temp-then-rename so
// readers never observe a partial file.
func PersistSegmentsAtomic(tenantDir, tenantID string, segments []model.Segment) (*model.Manifest, error) {
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return nil, dasherr.Io("create tenant segment directory", err)
	}

	manifest := &model.Manifest{TenantID: tenantID}
	for _, seg := range segments {
		body, err := bson.Marshal(seg)
		if err != nil {
			return nil, dasherr.Io("encode segment body", err)
		}
		fileName := segmentFileName(seg.SegmentID)
		if err := writeAtomic(filepath.Join(tenantDir, fileName), body); err != nil {
			return nil, err
		}
		manifest.Entries = append(manifest.Entries, model.ManifestEntry{
			SegmentID: seg.SegmentID,
			Tier:      seg.Tier,
			FileName:  fileName,
		})
	}

	body, err := bson.Marshal(manifest)
	if err != nil {
		return nil, dasherr.Io("encode manifest", err)
	}
	if err := writeAtomic(filepath.Join(tenantDir, manifestFileName), body); err != nil {
		return nil, err
	}
	return manifest, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return dasherr.Io("write temp segment file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dasherr.Io("rename segment file", err)
	}
	return nil
}

// loadManifest reads and decodes a tenant's manifest file.
func loadManifest(tenantDir string) (*model.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(tenantDir, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errMissingManifest
		}
		return nil, dasherr.Io("read manifest", err)
	}
	var manifest model.Manifest
	if err := bson.Unmarshal(data, &manifest); err != nil {
		return nil, dasherr.Parse("malformed manifest", err)
	}
	return &manifest, nil
}

func loadSegmentClaimIDs(tenantDir string, entry model.ManifestEntry) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(tenantDir, entry.FileName))
	if err != nil {
		return nil, dasherr.Io("read segment file", err)
	}
	var seg model.Segment
	if err := bson.Unmarshal(data, &seg); err != nil {
		return nil, dasherr.Parse("malformed segment file", err)
	}
	return seg.ClaimIDs, nil
}

var errMissingManifest = dasherr.New(dasherr.KindIo, "manifest file does not exist")

// cacheKey identifies one tenant's manifest within one segment root.
type cacheKey struct {
	tenantID    string
	segmentRoot string
}

type cacheEntry struct {
	claimIDs    map[string]struct{}
	valid       bool
	lastRefresh time.Time
}

// Stats snapshots the cache's observability counters.
type Stats struct {
	CacheHits               int64
	RefreshAttempts         int64
	RefreshSuccesses        int64
	RefreshFailures         int64
	RefreshLoadMicros       int64
	FallbackActivations     int64
	FallbackMissingManifest int64
	FallbackManifestErrors  int64
	FallbackSegmentErrors   int64
}

// Cache is the process-wide, refreshing read cache for segment manifests.
type Cache struct {
	mu             sync.Mutex
	refreshInterval time.Duration
	entries        map[cacheKey]*cacheEntry
	stats          Stats
}

func NewCache(refreshInterval time.Duration) *Cache {
	return &Cache{
		refreshInterval: refreshInterval,
		entries:         make(map[cacheKey]*cacheEntry),
	}
}

// Get returns the segment-base claim-id set for (tenantID, segmentRoot),
// reloading from disk if the cache is empty or stale. A false second
// return means the manifest is currently unavailable (planner should
// treat the segment base as absent).
func (c *Cache) Get(tenantID, segmentRoot string, now time.Time) (map[string]struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{tenantID: tenantID, segmentRoot: segmentRoot}
	entry := c.entries[key]
	if entry != nil && entry.valid && now.Sub(entry.lastRefresh) < c.refreshInterval {
		c.stats.CacheHits++
		return entry.claimIDs, true
	}

	start := time.Now()
	c.stats.RefreshAttempts++
	tenantDir := filepath.Join(segmentRoot, tenantID)
	claimIDs, err := c.reload(tenantDir)
	c.stats.RefreshLoadMicros += time.Since(start).Microseconds()

	if err != nil {
		c.stats.RefreshFailures++
		c.stats.FallbackActivations++
		switch {
		case err == errMissingManifest:
			c.stats.FallbackMissingManifest++
		default:
			if de, ok := dasherr.As(err); ok && de.Kind == dasherr.KindParse {
				c.stats.FallbackManifestErrors++
			} else {
				c.stats.FallbackSegmentErrors++
			}
		}
		c.entries[key] = &cacheEntry{valid: false, lastRefresh: now}
		return nil, false
	}

	c.stats.RefreshSuccesses++
	c.entries[key] = &cacheEntry{claimIDs: claimIDs, valid: true, lastRefresh: now}
	return claimIDs, true
}

func (c *Cache) reload(tenantDir string) (map[string]struct{}, error) {
	manifest, err := loadManifest(tenantDir)
	if err != nil {
		return nil, err
	}
	claimIDs := make(map[string]struct{})
	for _, entry := range manifest.Entries {
		ids, err := loadSegmentClaimIDs(tenantDir, entry)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			claimIDs[id] = struct{}{}
		}
	}
	return claimIDs, nil
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// GCOrphans removes segment files under tenantDir that no longer appear
// in the manifest's entry list, once their mtime is older than staleAge.
// A publish writes new segment files before the manifest rename drops
// the old entries, so a minimum stale age avoids racing a publish in
// flight.
func GCOrphans(tenantDir string, staleAge time.Duration, now time.Time) (removed int, err error) {
	manifest, mErr := loadManifest(tenantDir)
	referenced := make(map[string]struct{})
	if mErr == nil {
		for _, entry := range manifest.Entries {
			referenced[entry.FileName] = struct{}{}
		}
	} else if mErr != errMissingManifest {
		return 0, mErr
	}

	entries, rErr := os.ReadDir(tenantDir)
	if rErr != nil {
		if os.IsNotExist(rErr) {
			return 0, nil
		}
		return 0, dasherr.Io("read tenant segment directory", rErr)
	}

	for _, e := range entries {
		name := e.Name()
		if name == manifestFileName || !isSegmentFile(name) {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		info, iErr := e.Info()
		if iErr != nil {
			continue
		}
		if now.Sub(info.ModTime()) < staleAge {
			continue
		}
		if rmErr := os.Remove(filepath.Join(tenantDir, name)); rmErr == nil {
			removed++
		}
	}
	return removed, nil
}

func isSegmentFile(name string) bool {
	return len(name) > len("segment_") && name[:len("segment_")] == "segment_"
}
