// Package fusion collapses a ranked candidate set into a single weighted
// response with an explainable confidence score.
package fusion

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/retrieval"
	"github.com/nidhogg/stratamem/internal/similarity"
	"go.uber.org/zap"
)

// Source attributes part of the fused response to one memory.
type Source struct {
	NodeID    string     `json:"node_id"`
	Layer     node.Layer `json:"layer"`
	Attention float64    `json:"attention"`
}

// Result is the fused answer.
type Result struct {
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Sources    []Source `json:"sources"`
	Degraded   bool     `json:"degraded"` // built from a partial retrieval
}

// Weighted pairs a candidate payload with its attention weight.
type Weighted struct {
	Content   string
	Attention float64
}

// Combiner merges attention-weighted payloads into one response. The merge
// policy is a configuration point, not fixed by the engine.
type Combiner interface {
	Combine(parts []Weighted) string
}

// RankedConcat is the default combiner: contents joined strongest-first,
// truncated to MaxParts.
type RankedConcat struct {
	MaxParts  int
	Separator string
}

// Combine joins the payloads by descending attention.
func (r RankedConcat) Combine(parts []Weighted) string {
	sorted := append([]Weighted(nil), parts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Attention > sorted[j].Attention })
	max := r.MaxParts
	if max <= 0 || max > len(sorted) {
		max = len(sorted)
	}
	sep := r.Separator
	if sep == "" {
		sep = "\n"
	}
	contents := make([]string, 0, max)
	for _, p := range sorted[:max] {
		contents = append(contents, p.Content)
	}
	return strings.Join(contents, sep)
}

// Config parameterizes fusion.
type Config struct {
	Temperature   float64 // softmax temperature, default 1
	DegradeFactor float64 // confidence multiplier for partial retrievals
}

// Engine computes attention over candidates and delegates the merge.
type Engine struct {
	sim      similarity.Func
	combiner Combiner
	cfg      Config
	logger   *zap.Logger
}

// New creates a fusion engine. A nil combiner falls back to RankedConcat.
func New(sim similarity.Func, combiner Combiner, cfg Config, logger *zap.Logger) *Engine {
	if combiner == nil {
		combiner = RankedConcat{}
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.DegradeFactor <= 0 || cfg.DegradeFactor > 1 {
		cfg.DegradeFactor = 0.5
	}
	return &Engine{sim: sim, combiner: combiner, cfg: cfg, logger: logger}
}

// Fuse computes softmax attention over query similarity, derives confidence
// from the peakedness of the distribution, and merges the candidates.
// degraded marks the result as built from a partial retrieval and lowers
// its confidence.
func (e *Engine) Fuse(ctx context.Context, query string, hits []retrieval.Hit, degraded bool) (*Result, error) {
	if len(hits) == 0 {
		return &Result{Degraded: degraded}, nil
	}

	// Score each candidate against the query. Associated hits were never
	// scored by a layer, so everything is scored here uniformly; on a
	// similarity failure the candidate falls back to its retrieval-time
	// similarity.
	scores := make([]float64, len(hits))
	for i, h := range hits {
		score, err := e.sim(ctx, query, h.Node.Content)
		if err != nil {
			score = h.Similarity
		}
		scores[i] = score
	}

	attention := softmax(scores, e.cfg.Temperature)
	confidence := 1 - normalizedEntropy(attention)
	if degraded {
		confidence *= e.cfg.DegradeFactor
	}

	parts := make([]Weighted, len(hits))
	sources := make([]Source, len(hits))
	for i, h := range hits {
		parts[i] = Weighted{Content: h.Node.Content, Attention: attention[i]}
		sources[i] = Source{NodeID: h.Node.ID, Layer: h.Layer, Attention: attention[i]}
	}

	res := &Result{
		Content:    e.combiner.Combine(parts),
		Confidence: node.Clamp01(confidence),
		Sources:    sources,
		Degraded:   degraded,
	}
	e.logger.Debug("fused candidates",
		zap.Int("candidates", len(hits)),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("degraded", degraded))
	return res, nil
}

// softmax converts raw scores to a distribution summing to 1.
func softmax(scores []float64, temperature float64) []float64 {
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	weights := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		w := math.Exp((s - max) / temperature)
		weights[i] = w
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// normalizedEntropy returns H/H_max in [0,1]. A single candidate has zero
// entropy by definition, so it yields full confidence.
func normalizedEntropy(dist []float64) float64 {
	if len(dist) < 2 {
		return 0
	}
	var h float64
	for _, p := range dist {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h / math.Log(float64(len(dist)))
}
