// Package placement implements the consistent-hash shard/replica router:
// write routing to the shard leader, read routing under a read
// preference, replica promotion, and hot-reloading of a CSV placement
// file on an interval.
package placement

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dashkv/dash/internal/dasherr"
)

type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

type ReadPreference string

const (
	ReadAnyHealthy    ReadPreference = "any_healthy"
	ReadLeaderOnly    ReadPreference = "leader_only"
	ReadPreferFollower ReadPreference = "prefer_follower"
)

type ReadConsistency string

const (
	ConsistencyOne     ReadConsistency = "one"
	ConsistencyQuorum  ReadConsistency = "quorum"
	ConsistencyAll     ReadConsistency = "all"
)

// Placement is one (tenant, shard, node) replica row.
type Placement struct {
	TenantID string
	ShardID  string
	Epoch    uint64
	NodeID   string
	Role     Role
	Health   Health
}

func eligibleForRead(p *Placement) bool {
	return p.Health == HealthHealthy || p.Health == HealthDegraded
}

// Config tunes ring shape and read policy defaults.
type Config struct {
	ShardIDs             []string
	VirtualNodesPerShard int
	ReplicaCount         int
	ReadPreference       ReadPreference
	ReloadInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{VirtualNodesPerShard: 64, ReadPreference: ReadAnyHealthy, ReloadInterval: 30 * time.Second}
}

// ring maps sorted virtual-node hashes to shard ids for consistent hashing.
type ring struct {
	hashes []uint64
	shard  map[uint64]string
}

func buildRing(shardIDs []string, virtualNodes int) *ring {
	r := &ring{shard: make(map[uint64]string)}
	for _, shard := range shardIDs {
		for i := 0; i < virtualNodes; i++ {
			h := xxhash.Sum64String(shard + "#" + strconv.Itoa(i))
			r.shard[h] = shard
			r.hashes = append(r.hashes, h)
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

func (r *ring) shardFor(key string) string {
	if len(r.hashes) == 0 {
		return ""
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if i == len(r.hashes) {
		i = 0
	}
	return r.shard[r.hashes[i]]
}

// ShardForKey hashes (tenant, entityKey) onto cfg's ring.
func ShardForKey(tenant, entityKey string, cfg Config) string {
	return buildRing(cfg.ShardIDs, cfg.VirtualNodesPerShard).shardFor(tenant + "/" + entityKey)
}

func placementsForShard(placements []*Placement, tenant, shard string) []*Placement {
	var out []*Placement
	for _, p := range placements {
		if p.TenantID == tenant && p.ShardID == shard {
			out = append(out, p)
		}
	}
	return out
}

// RouteWrite resolves the leader replica for (tenant, entityKey). It
// fails if the shard has no leader, or the leader is unavailable.
func RouteWrite(tenant, entityKey string, placements []*Placement, cfg Config) (*Placement, error) {
	shard := ShardForKey(tenant, entityKey, cfg)
	for _, p := range placementsForShard(placements, tenant, shard) {
		if p.Role == RoleLeader {
			if p.Health == HealthUnavailable {
				return nil, dasherr.WriteRoute("leader for shard %q is unavailable", shard)
			}
			return p, nil
		}
	}
	return nil, dasherr.WriteRoute("no leader placement for shard %q", shard)
}

// RouteRead resolves an eligible replica for (tenant, entityKey) under
// readPreference. Degraded replicas are readable; unavailable ones are not.
func RouteRead(tenant, entityKey string, placements []*Placement, cfg Config, readPreference ReadPreference) (*Placement, error) {
	shard := ShardForKey(tenant, entityKey, cfg)
	candidates := placementsForShard(placements, tenant, shard)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NodeID < candidates[j].NodeID })

	var leader *Placement
	var followers []*Placement
	for _, p := range candidates {
		if !eligibleForRead(p) {
			continue
		}
		if p.Role == RoleLeader {
			leader = p
		} else {
			followers = append(followers, p)
		}
	}

	switch readPreference {
	case ReadLeaderOnly:
		if leader == nil {
			return nil, dasherr.ConsistencyUnavailable("no eligible leader for shard %q", shard)
		}
		return leader, nil
	case ReadPreferFollower:
		if len(followers) > 0 {
			return followers[0], nil
		}
		if leader != nil {
			return leader, nil
		}
		return nil, dasherr.ConsistencyUnavailable("no eligible replica for shard %q", shard)
	default: // any_healthy
		if leader != nil {
			return leader, nil
		}
		if len(followers) > 0 {
			return followers[0], nil
		}
		return nil, dasherr.ConsistencyUnavailable("no eligible replica for shard %q", shard)
	}
}

// ReadableReplicaCount counts replicas eligible for read on (tenant, shard).
func ReadableReplicaCount(placements []*Placement, tenant, shard string) int {
	n := 0
	for _, p := range placementsForShard(placements, tenant, shard) {
		if eligibleForRead(p) {
			n++
		}
	}
	return n
}

// RequiredReplicaCount computes the minimum readable-replica count a
// consistency level demands out of n total replicas.
func RequiredReplicaCount(consistency ReadConsistency, n int) int {
	switch consistency {
	case ConsistencyOne:
		return 1
	case ConsistencyAll:
		return n
	default: // quorum
		return n/2 + 1
	}
}

// PromoteReplicaToLeader swaps nodeID into the leader role for its shard,
// demoting the previous leader to follower, and returns the new epoch.
func PromoteReplicaToLeader(placements []*Placement, tenant, shard, nodeID string) (uint64, error) {
	var target, oldLeader *Placement
	for _, p := range placementsForShard(placements, tenant, shard) {
		if p.NodeID == nodeID {
			target = p
		}
		if p.Role == RoleLeader {
			oldLeader = p
		}
	}
	if target == nil {
		return 0, dasherr.Validation("node %q is not a replica of shard %q", nodeID, shard)
	}
	if oldLeader != nil {
		oldLeader.Role = RoleFollower
	}
	target.Role = RoleLeader
	target.Epoch++
	return target.Epoch, nil
}

// LoadCSV parses a placement file: tenant_id,shard_id,epoch,node_id,role,health.
func LoadCSV(path string) ([]*Placement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dasherr.Io("open placement file", err)
	}
	defer f.Close()
	return parseCSV(f)
}

func parseCSV(r io.Reader) ([]*Placement, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6
	var out []*Placement
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, dasherr.Parse("malformed placement csv row", err)
		}
		epoch, err := strconv.ParseUint(row[2], 10, 64)
		if err != nil {
			return nil, dasherr.Parse("malformed placement epoch", err)
		}
		out = append(out, &Placement{
			TenantID: row[0],
			ShardID:  row[1],
			Epoch:    epoch,
			NodeID:   row[3],
			Role:     Role(row[4]),
			Health:   Health(row[5]),
		})
	}
	return out, nil
}

// Stats reports the router's reload counters.
type Stats struct {
	ReloadAttempts  int64
	ReloadSuccesses int64
	ReloadFailures  int64
	LastError       string
	Enabled         bool
	IntervalMs      int64
}

// Router owns a loaded placement file, reloading it at cfg.ReloadInterval.
type Router struct {
	mu            sync.Mutex
	cfg           Config
	path          string
	placements    []*Placement
	nextReloadAt  time.Time
	stats         Stats
}

func NewRouter(path string, cfg Config) (*Router, error) {
	r := &Router{cfg: cfg, path: path}
	r.stats.Enabled = true
	r.stats.IntervalMs = cfg.ReloadInterval.Milliseconds()
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) reload() error {
	r.stats.ReloadAttempts++
	placements, err := LoadCSV(r.path)
	if err != nil {
		r.stats.ReloadFailures++
		r.stats.LastError = err.Error()
		return err
	}
	r.placements = placements
	r.stats.ReloadSuccesses++
	r.nextReloadAt = time.Now().Add(r.cfg.ReloadInterval)
	return nil
}

// MaybeReload reloads the placement file if the interval has elapsed,
// recording attempt/success/failure counters. Reload errors are recorded
// but not returned, so stale placements keep serving until the next try.
func (r *Router) MaybeReload(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Before(r.nextReloadAt) {
		return
	}
	_ = r.reload()
}

func (r *Router) snapshot() []*Placement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Placement(nil), r.placements...)
}

// ReadableReplicas reports how many of (tenant, shard)'s replicas are
// currently readable, alongside the total replica count, for the read
// consistency gate.
func (r *Router) ReadableReplicas(tenant, shard string) (readable, total int) {
	for _, p := range placementsForShard(r.snapshot(), tenant, shard) {
		total++
		if eligibleForRead(p) {
			readable++
		}
	}
	return readable, total
}

func (r *Router) RouteWrite(tenant, entityKey string) (*Placement, error) {
	return RouteWrite(tenant, entityKey, r.snapshot(), r.cfg)
}

func (r *Router) RouteRead(tenant, entityKey string) (*Placement, error) {
	return RouteRead(tenant, entityKey, r.snapshot(), r.cfg, r.cfg.ReadPreference)
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
