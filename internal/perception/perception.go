// Package perception is the orchestrator: it classifies each input, commits
// it to the right tier with association updates, or answers it through
// retrieval and fusion, reinforcing the memories that were actually used.
package perception

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nidhogg/stratamem/internal/assoc"
	"github.com/nidhogg/stratamem/internal/eventbus"
	"github.com/nidhogg/stratamem/internal/fusion"
	"github.com/nidhogg/stratamem/internal/layer"
	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/retrieval"
	"go.uber.org/zap"
)

// InputType is the caller-facing request discriminator.
type InputType string

const (
	TypeQuery    InputType = "QUERY"
	TypeEvent    InputType = "EVENT"
	TypeFeedback InputType = "FEEDBACK"
)

// Input is one request from the dispatch layer, the engine's sole caller.
type Input struct {
	Content  string            `json:"content"`
	Type     InputType         `json:"input_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ActivatedMemory identifies one memory surfaced by a request.
type ActivatedMemory struct {
	NodeID string     `json:"node_id"`
	Layer  node.Layer `json:"layer"`
}

// Output is the structured result of processing one input.
type Output struct {
	Response          string                  `json:"response"`
	Confidence        float64                 `json:"confidence"`
	ActivatedMemories []ActivatedMemory       `json:"activated_memories"`
	LayerBreakdown    map[node.Layer][]string `json:"layer_breakdown,omitempty"`
	Sources           []fusion.Source         `json:"sources,omitempty"`
	Degraded          bool                    `json:"degraded"`
	EdgesCreated      int                     `json:"edges_created,omitempty"`
	Elapsed           time.Duration           `json:"elapsed"`
}

// Config tunes the orchestration.
type Config struct {
	InitialWeight  float64 // starting weight for new nodes
	ReinforceBoost float64 // weight boost per retrieval use
	SourceEpsilon  float64 // min attention for a source to be reinforced
	WorkingEcho    bool    // mirror non-working stores into the working tier
}

// Validate rejects out-of-range orchestration parameters at load time.
func (c Config) Validate() error {
	if c.InitialWeight <= 0 || c.InitialWeight > 1 {
		return fmt.Errorf("initial_weight %.3f outside (0,1]", c.InitialWeight)
	}
	if c.ReinforceBoost <= 0 || c.ReinforceBoost > 1 {
		return fmt.Errorf("reinforce_boost %.3f outside (0,1]", c.ReinforceBoost)
	}
	if c.SourceEpsilon < 0 || c.SourceEpsilon >= 1 {
		return fmt.Errorf("source_epsilon %.3f outside [0,1)", c.SourceEpsilon)
	}
	return nil
}

// Engine wires the tier stores, the graph, retrieval and fusion into the
// two-path state machine. It keeps no state between requests beyond the
// working-tier slot counter.
type Engine struct {
	layers    map[node.Layer]*layer.Store
	graph     *assoc.Graph
	retrieval *retrieval.Engine
	fusion    *fusion.Engine
	bus       *eventbus.Bus // optional
	cfg       Config
	logger    *zap.Logger
	clock     func() time.Time

	slot atomic.Int64
}

// New assembles the perception engine.
func New(
	layers map[node.Layer]*layer.Store,
	graph *assoc.Graph,
	retr *retrieval.Engine,
	fus *fusion.Engine,
	bus *eventbus.Bus,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		layers:    layers,
		graph:     graph,
		retrieval: retr,
		fusion:    fus,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Process handles one input end to end. Malformed input is rejected before
// any store or retrieve attempt; a blown retrieval budget degrades the
// answer instead of failing it.
func (e *Engine) Process(ctx context.Context, in Input) (*Output, error) {
	start := e.clock()
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: empty content", node.ErrInvalidNode)
	}

	var (
		out *Output
		err error
	)
	switch in.Type {
	case TypeQuery:
		out, err = e.retrievePath(ctx, in)
	case TypeEvent, TypeFeedback:
		out, err = e.storePath(ctx, in)
	default:
		return nil, fmt.Errorf("%w: unknown input type %q", node.ErrInvalidNode, in.Type)
	}
	if err != nil {
		return nil, err
	}
	out.Elapsed = e.clock().Sub(start)
	return out, nil
}

// storePath classifies the input, builds the matching node variant, commits
// it (possibly evicting), and links it into the association graph.
func (e *Engine) storePath(ctx context.Context, in Input) (*Output, error) {
	kind := classify(in)
	now := e.clock()

	n, err := e.buildNode(kind, in, now)
	if err != nil {
		return nil, err
	}

	store, ok := e.layers[n.Layer]
	if !ok {
		return nil, fmt.Errorf("no store for layer %s", n.Layer)
	}
	if _, err := store.Put(n); err != nil {
		e.logger.Error("store rejected node", zap.String("layer", string(n.Layer)), zap.Error(err))
		return nil, err
	}
	stored := []ActivatedMemory{{NodeID: n.ID, Layer: n.Layer}}

	// Echo into the working tier so recent inputs stay in the short-term
	// context window regardless of their home tier.
	if e.cfg.WorkingEcho && n.Layer != node.Working {
		if echo, echoErr := e.workingEcho(in.Content, now); echoErr == nil {
			if _, putErr := e.layers[node.Working].Put(echo); putErr == nil {
				stored = append(stored, ActivatedMemory{NodeID: echo.ID, Layer: node.Working})
			}
		}
	}

	// Association linking scans the new node against a cross-layer snapshot.
	candidates := make([]*node.Node, 0, 64)
	for _, l := range node.Layers {
		candidates = append(candidates, e.layers[l].Snapshot()...)
	}
	edges := e.graph.Link(ctx, n, candidates)

	e.publish(ctx, "stored", n.ID, n.Layer, string(kind))
	e.logger.Info("stored memory",
		zap.String("node", n.ID),
		zap.String("layer", string(n.Layer)),
		zap.String("kind", string(kind)),
		zap.Int("edges", len(edges)))

	return &Output{
		Response:          fmt.Sprintf("stored %s memory %s", kind, n.ID),
		Confidence:        1,
		ActivatedMemories: stored,
		EdgesCreated:      len(edges),
	}, nil
}

// retrievePath answers a query via cross-layer retrieval and fusion, then
// explicitly reinforces every source that carried non-trivial attention.
func (e *Engine) retrievePath(ctx context.Context, in Input) (*Output, error) {
	res, err := e.retrieval.CrossLayer(ctx, in.Content, 0)
	if err != nil {
		return nil, err
	}
	fused, err := e.fusion.Fuse(ctx, in.Content, res.Primary, res.Partial)
	if err != nil {
		return nil, err
	}

	activated := make([]ActivatedMemory, 0, len(res.Primary))
	for _, h := range res.Primary {
		activated = append(activated, ActivatedMemory{NodeID: h.Node.ID, Layer: h.Layer})
	}

	// Reinforcement is the only place retrieval mutates weights: each used
	// source gets pending decay applied, a weight boost, and a fresh access
	// clock.
	for _, src := range fused.Sources {
		if src.Attention < e.cfg.SourceEpsilon {
			continue
		}
		if store, ok := e.layers[src.Layer]; ok {
			if _, touched := store.Touch(src.NodeID, e.cfg.ReinforceBoost); touched {
				e.publish(ctx, "reinforced", src.NodeID, src.Layer, "")
			}
		}
	}

	e.publish(ctx, "retrieved", "", "", fmt.Sprintf("%d results", len(res.Primary)))
	return &Output{
		Response:          fused.Content,
		Confidence:        fused.Confidence,
		ActivatedMemories: activated,
		LayerBreakdown:    res.LayerBreakdown,
		Sources:           fused.Sources,
		Degraded:          fused.Degraded,
	}, nil
}

func (e *Engine) workingEcho(content string, now time.Time) (*node.Node, error) {
	return node.NewWorking(content, e.layers[node.Working].ProfileName(), e.cfg.InitialWeight, now, node.WorkingFields{
		AttentionScore: e.cfg.InitialWeight,
		ContextSlot:    int(e.slot.Add(1)),
	})
}

func (e *Engine) publish(ctx context.Context, typ, nodeID string, l node.Layer, detail string) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, &eventbus.Event{
		Type: typ, NodeID: nodeID, Layer: string(l), Detail: detail,
	}); err != nil {
		e.logger.Warn("event publish failed", zap.String("type", typ), zap.Error(err))
	}
}

// metaFloat parses a float metadata field, returning fallback when absent
// or unparsable.
func metaFloat(meta map[string]string, key string, fallback float64) float64 {
	if v, ok := meta[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// metaList splits a comma-separated metadata field.
func metaList(meta map[string]string, key string) []string {
	v, ok := meta[key]
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
