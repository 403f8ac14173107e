// Package assoc maintains the association graph: typed, weighted edges
// between node ids. Nodes never hold references to edges or to each other;
// every relationship is an id-keyed lookup here, so evicting a node is a
// plain registry operation with no ownership cycles to untangle.
package assoc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/similarity"
	"go.uber.org/zap"
)

// Kind classifies an association edge.
type Kind string

const (
	KindSemantic  Kind = "semantic"
	KindTemporal  Kind = "temporal"
	KindCausal    Kind = "causal"
	KindEmotional Kind = "emotional"
)

// Edge is a non-owning relationship between two node ids. Causal edges are
// directed cause→effect; the other kinds are symmetric.
type Edge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Kind      Kind      `json:"kind"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds the linking thresholds and traversal bounds.
type Config struct {
	SemanticThreshold  float64       // min similarity for a semantic edge
	TemporalWindow     time.Duration // max creation gap for a temporal edge
	EmotionalThreshold float64       // max valence gap for an emotional edge
	MaxDepth           int           // traversal hop bound
	HopDecay           float64       // per-hop strength multiplier, < 1
}

// Validate rejects configurations at load time.
func (c Config) Validate() error {
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 {
		return fmt.Errorf("semantic_threshold %.3f outside [0,1]", c.SemanticThreshold)
	}
	if c.TemporalWindow <= 0 {
		return fmt.Errorf("temporal_window must be positive, got %s", c.TemporalWindow)
	}
	if c.EmotionalThreshold <= 0 || c.EmotionalThreshold > 2 {
		return fmt.Errorf("emotional_threshold %.3f outside (0,2]", c.EmotionalThreshold)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", c.MaxDepth)
	}
	if c.HopDecay <= 0 || c.HopDecay >= 1 {
		return fmt.Errorf("hop_decay %.3f outside (0,1)", c.HopDecay)
	}
	return nil
}

// Graph is the edge registry. It has its own lock and never calls back into
// layer stores, so layers may invoke RemoveNode while holding their write
// lock without risking lock-order inversion.
type Graph struct {
	cfg    Config
	sim    similarity.Func
	logger *zap.Logger
	clock  func() time.Time

	mu sync.RWMutex
	// adjacency[a][b][kind] and adjacency[b][a][kind] point at the same edge.
	adjacency map[string]map[string]map[Kind]*Edge
}

// New creates an empty graph.
func New(cfg Config, sim similarity.Func, logger *zap.Logger) *Graph {
	return &Graph{
		cfg:       cfg,
		sim:       sim,
		logger:    logger,
		clock:     time.Now,
		adjacency: make(map[string]map[string]map[Kind]*Edge),
	}
}

// SetClock overrides the time source, for tests.
func (g *Graph) SetClock(clock func() time.Time) { g.clock = clock }

// Link scans a newly stored node against candidate nodes and creates (or
// recomputes, idempotently) every edge the four heuristics produce. The
// returned slice holds copies of the created edges.
func (g *Graph) Link(ctx context.Context, n *node.Node, candidates []*node.Node) []Edge {
	var created []Edge
	for _, c := range candidates {
		if c.ID == n.ID {
			continue
		}
		for _, e := range g.evaluate(ctx, n, c) {
			g.upsert(e)
			created = append(created, *e)
		}
	}
	if len(created) > 0 {
		g.logger.Debug("linked node",
			zap.String("node", n.ID),
			zap.Int("edges", len(created)))
	}
	return created
}

// evaluate applies the association heuristics to one pair.
func (g *Graph) evaluate(ctx context.Context, a, b *node.Node) []*Edge {
	now := g.clock()
	var edges []*Edge

	// Semantic: content similarity across any pair of layers.
	if score, err := g.sim(ctx, a.Content, b.Content); err == nil && score >= g.cfg.SemanticThreshold {
		edges = append(edges, &Edge{
			Source: a.ID, Target: b.ID,
			Kind: KindSemantic, Strength: node.Clamp01(score), CreatedAt: now,
		})
	}

	// Temporal: co-occurrence in time, strength shrinking with the gap.
	gap := a.CreatedAt.Sub(b.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap < g.cfg.TemporalWindow {
		strength := 1 - float64(gap)/float64(g.cfg.TemporalWindow)
		edges = append(edges, &Edge{
			Source: a.ID, Target: b.ID,
			Kind: KindTemporal, Strength: strength, CreatedAt: now,
		})
	}

	// Causal: heuristic precedence match between episodic nodes, directed
	// from the earlier node's results to the later node's actions. This is
	// pattern matching, not causal inference.
	if a.Episodic != nil && b.Episodic != nil {
		earlier, later := a, b
		if later.CreatedAt.Before(earlier.CreatedAt) {
			earlier, later = later, earlier
		}
		if earlier.CreatedAt.Before(later.CreatedAt) &&
			shareParticipant(earlier.Episodic.Participants, later.Episodic.Participants) {
			if overlap := actionOverlap(earlier.Episodic.Results, later.Episodic.Actions); overlap > 0 {
				edges = append(edges, &Edge{
					Source: earlier.ID, Target: later.ID,
					Kind: KindCausal, Strength: overlap, CreatedAt: now,
				})
			}
		}
	}

	// Emotional: shared emotion type with close valence.
	if a.Emotional != nil && b.Emotional != nil && a.Emotional.EmotionType == b.Emotional.EmotionType {
		dv := a.Emotional.Valence - b.Emotional.Valence
		if dv < 0 {
			dv = -dv
		}
		if dv <= g.cfg.EmotionalThreshold {
			edges = append(edges, &Edge{
				Source: a.ID, Target: b.ID,
				Kind: KindEmotional, Strength: node.Clamp01(1 - dv/2), CreatedAt: now,
			})
		}
	}

	return edges
}

// upsert stores an edge, replacing any previous edge of the same pair and
// kind so repeated evaluation recomputes rather than accumulates strength.
func (g *Graph) upsert(e *Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.index(e.Source, e.Target, e)
	g.index(e.Target, e.Source, e)
}

func (g *Graph) index(from, to string, e *Edge) {
	peers, ok := g.adjacency[from]
	if !ok {
		peers = make(map[string]map[Kind]*Edge)
		g.adjacency[from] = peers
	}
	kinds, ok := peers[to]
	if !ok {
		kinds = make(map[Kind]*Edge)
		peers[to] = kinds
	}
	kinds[e.Kind] = e
}

// Reachable is a node found by spreading activation, with the strength of
// the best path that reached it.
type Reachable struct {
	ID           string
	PathStrength float64
	Depth        int
}

// Neighbors walks outward from id up to maxDepth hops, multiplying edge
// strengths and the per-hop decay factor, and returns every reachable node
// with its best path strength, strongest first. maxDepth <= 0 falls back to
// the configured bound.
func (g *Graph) Neighbors(id string, maxDepth int) []Reachable {
	if maxDepth <= 0 {
		maxDepth = g.cfg.MaxDepth
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	best := map[string]Reachable{}
	frontier := map[string]float64{id: 1}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		next := map[string]float64{}
		for cur, strength := range frontier {
			for peer, kinds := range g.adjacency[cur] {
				if peer == id {
					continue
				}
				// Strongest edge of any kind carries the hop.
				var edgeStrength float64
				for _, e := range kinds {
					if e.Strength > edgeStrength {
						edgeStrength = e.Strength
					}
				}
				candidate := strength * edgeStrength * g.cfg.HopDecay
				if prev, ok := best[peer]; !ok || candidate > prev.PathStrength {
					best[peer] = Reachable{ID: peer, PathStrength: candidate, Depth: depth}
					next[peer] = candidate
				}
			}
		}
		frontier = next
	}

	out := make([]Reachable, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PathStrength != out[j].PathStrength {
			return out[i].PathStrength > out[j].PathStrength
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveNode cascades removal of every edge touching id. Layer stores call
// this while holding their write lock so node removal and edge removal are
// atomic relative to concurrent retrieval.
func (g *Graph) RemoveNode(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	peers, ok := g.adjacency[id]
	if !ok {
		return 0
	}
	var removed int
	for peer, kinds := range peers {
		removed += len(kinds)
		if back, ok := g.adjacency[peer]; ok {
			delete(back, id)
			if len(back) == 0 {
				delete(g.adjacency, peer)
			}
		}
	}
	delete(g.adjacency, id)
	return removed
}

// EdgeCount returns the number of distinct edges in the registry.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var n int
	for _, peers := range g.adjacency {
		for _, kinds := range peers {
			n += len(kinds)
		}
	}
	return n / 2 // each edge is indexed from both endpoints
}

// EdgesOf returns copies of all edges touching id.
func (g *Graph) EdgesOf(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, kinds := range g.adjacency[id] {
		for _, e := range kinds {
			out = append(out, *e)
		}
	}
	return out
}

// shareParticipant reports whether the two participant lists intersect,
// case-insensitively.
func shareParticipant(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, p := range a {
		set[strings.ToLower(p)] = true
	}
	for _, p := range b {
		if set[strings.ToLower(p)] {
			return true
		}
	}
	return false
}

// actionOverlap returns the fraction of actions that textually match one of
// the earlier results.
func actionOverlap(results, actions []string) float64 {
	if len(results) == 0 || len(actions) == 0 {
		return 0
	}
	joined := strings.ToLower(strings.Join(results, " "))
	var matched int
	for _, act := range actions {
		if strings.Contains(joined, strings.ToLower(act)) {
			matched++
		}
	}
	return float64(matched) / float64(len(actions))
}
