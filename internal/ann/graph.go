// Package ann implements the per-tenant hierarchical small-world
// approximate-nearest-neighbor graph: four levels, deterministic level
// assignment by hashing the claim id, a greedy hill-climb from the entry
// point down to level 1, then a budgeted best-first search at level 0.
// Level assignment carries no RNG state, so inserts are reproducible
// across replay.
package ann

import (
	"container/heap"
	"math"
	"math/bits"
	"sort"

	"github.com/cespare/xxhash/v2"
)

const (
	Levels = 4

	// MBase is the max neighbors per node at level 0.
	MBase = 12
	// MUpper is the max neighbors per node at levels 1..Levels-1.
	MUpper = 6

	DefaultSearchExpansionFactor = 12
	DefaultSearchExpansionMin    = 64
	DefaultSearchExpansionMax    = 4096
)

// SearchConfig bounds the level-0 best-first expansion budget.
type SearchConfig struct {
	ExpansionFactor int
	ExpansionMin    int
	ExpansionMax    int
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		ExpansionFactor: DefaultSearchExpansionFactor,
		ExpansionMin:    DefaultSearchExpansionMin,
		ExpansionMax:    DefaultSearchExpansionMax,
	}
}

func (c SearchConfig) budget(topN int) int {
	b := topN * c.ExpansionFactor
	if b < c.ExpansionMin {
		b = c.ExpansionMin
	}
	if b > c.ExpansionMax {
		b = c.ExpansionMax
	}
	return b
}

// Level deterministically derives a node's level from its claim id: the
// trailing-zero count of a stable 64-bit hash, clamped to Levels-1. This
// gives an approximately geometric level distribution with no RNG state,
// so inserts are reproducible across replay.
func Level(claimID string) int {
	h := xxhash.Sum64String(claimID)
	if h == 0 {
		return Levels - 1
	}
	lvl := bits.TrailingZeros64(h) / 4
	if lvl > Levels-1 {
		lvl = Levels - 1
	}
	return lvl
}

type node struct {
	vector []float32
	level  int
	// neighbors[l] holds this node's neighbor ids at level l, for
	// l in [0, level].
	neighbors [][]string
}

// Graph is one tenant's hierarchical small-world index.
type Graph struct {
	nodes      map[string]*node
	entryPoint string
	entryLevel int
}

func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node), entryLevel: -1}
}

// Clone returns a deep copy, used when the ingestion orchestrator stages
// a mutation against a cloned store.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		nodes:      make(map[string]*node, len(g.nodes)),
		entryPoint: g.entryPoint,
		entryLevel: g.entryLevel,
	}
	for id, n := range g.nodes {
		nn := &node{
			vector:    append([]float32(nil), n.vector...),
			level:     n.level,
			neighbors: make([][]string, len(n.neighbors)),
		}
		for i, lst := range n.neighbors {
			nn.neighbors[i] = append([]string(nil), lst...)
		}
		out.nodes[id] = nn
	}
	return out
}

// Cosine is the similarity function used throughout the graph and by
// callers (e.g. the retrieval scorer) that need the same metric.
func Cosine(a, b []float32) float32 { return cosine(a, b) }

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// totalCmpLess orders (score,id) pairs: higher score first, then
// lexicographically smaller id first, so rankings are deterministic.
func totalCmpLess(scoreA float32, idA string, scoreB float32, idB string) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	return idA < idB
}

func maxLevelFor(level int) int {
	if level == 0 {
		return MBase
	}
	return MUpper
}

// Insert adds claimID/vector to the graph, linking it into every level
// from its assigned level down to 0.
func (g *Graph) Insert(claimID string, vector []float32) {
	level := Level(claimID)
	n := &node{vector: vector, level: level, neighbors: make([][]string, level+1)}
	g.nodes[claimID] = n

	if g.entryPoint == "" {
		g.entryPoint = claimID
		g.entryLevel = level
		return
	}

	for l := level; l >= 0; l-- {
		candidates := g.candidatesAtLevel(l, claimID)
		best := g.nearest(candidates, vector, maxLevelFor(l))
		for _, other := range best {
			g.link(claimID, other, l)
			g.pruneNeighbors(other, l)
		}
		g.pruneNeighbors(claimID, l)
	}

	if level > g.entryLevel {
		g.entryPoint = claimID
		g.entryLevel = level
	}
}

func (g *Graph) candidatesAtLevel(level int, exclude string) []string {
	var out []string
	for id, n := range g.nodes {
		if id == exclude || n.level < level {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (g *Graph) nearest(candidates []string, vector []float32, m int) []string {
	type scored struct {
		id    string
		score float32
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		scoredList = append(scoredList, scored{id: id, score: cosine(vector, g.nodes[id].vector)})
	}
	sort.Slice(scoredList, func(i, j int) bool {
		return totalCmpLess(scoredList[i].score, scoredList[i].id, scoredList[j].score, scoredList[j].id)
	})
	if len(scoredList) > m {
		scoredList = scoredList[:m]
	}
	out := make([]string, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.id
	}
	return out
}

func (g *Graph) link(a, b string, level int) {
	na, nb := g.nodes[a], g.nodes[b]
	if na == nil || nb == nil {
		return
	}
	na.neighbors[level] = appendUnique(na.neighbors[level], b)
	nb.neighbors[level] = appendUnique(nb.neighbors[level], a)
}

func appendUnique(lst []string, id string) []string {
	for _, x := range lst {
		if x == id {
			return lst
		}
	}
	return append(lst, id)
}

func (g *Graph) pruneNeighbors(id string, level int) {
	n := g.nodes[id]
	if n == nil || level >= len(n.neighbors) {
		return
	}
	m := maxLevelFor(level)
	if len(n.neighbors[level]) <= m {
		return
	}
	best := g.nearest(n.neighbors[level], n.vector, m)
	n.neighbors[level] = best
}

// Remove deletes claimID from every level map and neighbor list,
// promoting the remaining highest-level node to entry if needed.
func (g *Graph) Remove(claimID string) {
	if _, ok := g.nodes[claimID]; !ok {
		return
	}
	delete(g.nodes, claimID)
	for _, on := range g.nodes {
		for level := range on.neighbors {
			on.neighbors[level] = removeID(on.neighbors[level], claimID)
		}
	}

	if g.entryPoint == claimID {
		g.promoteNewEntry()
	}
}

func removeID(lst []string, id string) []string {
	out := lst[:0]
	for _, x := range lst {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func (g *Graph) promoteNewEntry() {
	if len(g.nodes) == 0 {
		g.entryPoint = ""
		g.entryLevel = -1
		return
	}
	bestID := ""
	bestLevel := -1
	for id, n := range g.nodes {
		if n.level > bestLevel || (n.level == bestLevel && id < bestID) {
			bestLevel = n.level
			bestID = id
		}
	}
	g.entryPoint = bestID
	g.entryLevel = bestLevel
}

type scoredID struct {
	id    string
	score float32
}

// searchHeap is a max-heap over scoredID by score, tie-broken by id.
type searchHeap []scoredID

func (h searchHeap) Len() int { return len(h) }
func (h searchHeap) Less(i, j int) bool {
	return totalCmpLess(h[i].score, h[i].id, h[j].score, h[j].id)
}
func (h searchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *searchHeap) Push(x any)        { *h = append(*h, x.(scoredID)) }
func (h *searchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search returns the claim ids observed during the level-0 best-first
// pass, seeded by a greedy hill-climb from the entry point down to
// level 1.
func (g *Graph) Search(query []float32, topN int, cfg SearchConfig) []string {
	if g.entryPoint == "" {
		return nil
	}

	current := g.entryPoint
	currentScore := cosine(query, g.nodes[current].vector)

	for level := g.entryLevel; level >= 1; level-- {
		improved := true
		for improved {
			improved = false
			n := g.nodes[current]
			if level >= len(n.neighbors) {
				continue
			}
			for _, candidate := range n.neighbors[level] {
				cn := g.nodes[candidate]
				if cn == nil {
					continue
				}
				score := cosine(query, cn.vector)
				if totalCmpLess(score, candidate, currentScore, current) {
					current = candidate
					currentScore = score
					improved = true
				}
			}
		}
	}

	budget := cfg.budget(topN)
	visited := map[string]bool{current: true}
	h := &searchHeap{{id: current, score: currentScore}}
	heap.Init(h)

	var observed []string
	expansions := 0
	for h.Len() > 0 && expansions < budget {
		top := heap.Pop(h).(scoredID)
		observed = append(observed, top.id)
		expansions++

		n := g.nodes[top.id]
		if n == nil || len(n.neighbors) == 0 {
			continue
		}
		for _, candidate := range n.neighbors[0] {
			if visited[candidate] {
				continue
			}
			visited[candidate] = true
			cn := g.nodes[candidate]
			if cn == nil {
				continue
			}
			heap.Push(h, scoredID{id: candidate, score: cosine(query, cn.vector)})
		}
	}

	return observed
}

// Len reports the number of vectors currently indexed.
func (g *Graph) Len() int { return len(g.nodes) }
