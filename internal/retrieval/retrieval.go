// Package retrieval ranks memories across all tiers for a query and expands
// the candidate pool along the association graph.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nidhogg/stratamem/internal/assoc"
	"github.com/nidhogg/stratamem/internal/layer"
	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/similarity"
	"go.uber.org/zap"
)

// Weights are the composite-score coefficients.
type Weights struct {
	Alpha           float64       // similarity
	Beta            float64       // current decayed weight
	GammaR          float64       // recency factor
	RecencyHalfLife time.Duration // e-folding scale for the recency factor
}

// Validate rejects degenerate weightings at configuration load.
func (w Weights) Validate() error {
	if w.Alpha < 0 || w.Beta < 0 || w.GammaR < 0 {
		return fmt.Errorf("score coefficients must be non-negative: alpha=%.3f beta=%.3f gamma_r=%.3f", w.Alpha, w.Beta, w.GammaR)
	}
	if w.Alpha+w.Beta+w.GammaR == 0 {
		return fmt.Errorf("score coefficients must not all be zero")
	}
	if w.RecencyHalfLife <= 0 {
		return fmt.Errorf("recency_half_life must be positive, got %s", w.RecencyHalfLife)
	}
	return nil
}

// Config bounds one retrieval pass.
type Config struct {
	Weights    Weights
	KPerLayer  int           // local top-k gathered from each tier
	MaxDepth   int           // association expansion bound
	MaxResults int           // final truncation
	Timeout    time.Duration // soft budget; expiry degrades, never fails
}

// Hit is one ranked memory in a retrieval result.
type Hit struct {
	Node       *node.Node `json:"node"`
	Layer      node.Layer `json:"layer"`
	Score      float64    `json:"score"`
	Similarity float64    `json:"similarity"`
	Weight     float64    `json:"weight"`
	Associated bool       `json:"associated"` // reached only via graph expansion
}

// Result is the outcome of a cross-layer retrieval.
type Result struct {
	Primary        []Hit                   `json:"primary"`
	LayerBreakdown map[node.Layer][]string `json:"layer_breakdown"`
	Associated     []Hit                   `json:"associated"`
	Partial        bool                    `json:"partial"` // time budget expired mid-pass
	Elapsed        time.Duration           `json:"elapsed"`
}

// Engine scores candidates from every tier and spreads activation.
type Engine struct {
	layers map[node.Layer]*layer.Store
	graph  *assoc.Graph
	sim    similarity.Func
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

// New assembles a retrieval engine over the tier stores and the graph.
func New(layers map[node.Layer]*layer.Store, graph *assoc.Graph, sim similarity.Func, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{layers: layers, graph: graph, sim: sim, cfg: cfg, logger: logger, clock: time.Now}
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// CrossLayer runs the full retrieval pass: per-tier local top-k, pool merge,
// graph-only expansion, dedup, deterministic ordering, truncation. A blown
// time budget marks the result partial instead of returning an error.
func (e *Engine) CrossLayer(ctx context.Context, query string, maxResults int) (*Result, error) {
	start := e.clock()
	if maxResults <= 0 {
		maxResults = e.cfg.MaxResults
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	res := &Result{LayerBreakdown: make(map[node.Layer][]string)}
	rank := e.ranker()

	// Step 1: local top-k per tier, read locks only, no cross-tier snapshot.
	pool := make(map[string]Hit)
	for _, l := range node.Layers {
		store, ok := e.layers[l]
		if !ok {
			continue
		}
		candidates, err := store.Score(ctx, query, e.cfg.KPerLayer, e.sim, rank)
		if err != nil {
			res.Partial = true
		}
		for _, c := range candidates {
			res.LayerBreakdown[l] = append(res.LayerBreakdown[l], c.Node.ID)
			hit := Hit{
				Node:       c.Node,
				Layer:      l,
				Score:      c.Score,
				Similarity: c.Similarity,
				Weight:     c.Weight,
			}
			if prev, ok := pool[c.Node.ID]; !ok || hit.Score > prev.Score {
				pool[c.Node.ID] = hit
			}
		}
		if res.Partial {
			break
		}
	}

	// Step 2: graph-only expansion. Reachable nodes inherit the sourcing
	// candidate's composite score scaled by path strength; layers are not
	// re-queried.
	if !res.Partial {
		direct := make([]Hit, 0, len(pool))
		for _, h := range pool {
			direct = append(direct, h)
		}
		for _, h := range direct {
			for _, r := range e.graph.Neighbors(h.Node.ID, e.cfg.MaxDepth) {
				boost := h.Score * r.PathStrength
				if prev, ok := pool[r.ID]; ok {
					if boost > prev.Score {
						prev.Score = boost
						pool[r.ID] = prev
					}
					continue
				}
				resolved, weight, ok := e.resolve(r.ID)
				if !ok {
					continue
				}
				pool[r.ID] = Hit{
					Node:       resolved,
					Layer:      resolved.Layer,
					Score:      boost,
					Weight:     weight,
					Associated: true,
				}
			}
		}
	}

	// Step 3: deterministic ordering and truncation.
	hits := make([]Hit, 0, len(pool))
	for _, h := range pool {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Node.LastAccessedAt.Equal(hits[j].Node.LastAccessedAt) {
			return hits[i].Node.LastAccessedAt.After(hits[j].Node.LastAccessedAt)
		}
		return hits[i].Node.ID < hits[j].Node.ID
	})
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	res.Primary = hits

	// Step 4: report nodes that entered only through the graph.
	for _, h := range hits {
		if h.Associated {
			res.Associated = append(res.Associated, h)
		}
	}

	res.Elapsed = e.clock().Sub(start)
	e.logger.Debug("cross-layer retrieval",
		zap.Int("results", len(res.Primary)),
		zap.Int("associated", len(res.Associated)),
		zap.Bool("partial", res.Partial),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// resolve finds a node by id in any tier. A miss with surviving edges means
// the no-dangling-edges invariant broke, which must never happen; a miss
// with no edges is a benign race with a concurrent eviction.
func (e *Engine) resolve(id string) (*node.Node, float64, bool) {
	for _, store := range e.layers {
		if n, weight, ok := store.Get(id); ok {
			return n, weight, true
		}
	}
	if edges := e.graph.EdgesOf(id); len(edges) > 0 {
		panic(fmt.Sprintf("association inconsistency: %d edges reference missing node %s", len(edges), id))
	}
	return nil, 0, false
}

// ranker builds the composite scorer alpha*sim + beta*weight + gamma_r*recency,
// where recency decays exponentially with time since last access.
func (e *Engine) ranker() layer.Ranker {
	w := e.cfg.Weights
	return func(sim, weight float64, lastAccessed, now time.Time) float64 {
		age := now.Sub(lastAccessed).Seconds()
		if age < 0 {
			age = 0
		}
		recency := math.Exp(-age * math.Ln2 / w.RecencyHalfLife.Seconds())
		return w.Alpha*sim + w.Beta*weight + w.GammaR*recency
	}
}
