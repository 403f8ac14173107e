// Package layer implements the five bounded tier stores. Each store owns
// its nodes behind a read/write lock: scoring proceeds concurrently under
// read locks and never mutates weights, while store/touch/sweep take the
// write lock and invoke association-edge cleanup while still holding it,
// so retrieval can never observe a dangling edge.
package layer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/stratamem/internal/assoc"
	"github.com/nidhogg/stratamem/internal/decay"
	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/similarity"
	"go.uber.org/zap"
)

// ErrCapacityRejected is returned when eviction fails to free a slot. Under
// a correct configuration this cannot happen; callers treat it as fatal.
var ErrCapacityRejected = errors.New("layer at capacity and eviction freed no slot")

// Config sizes and parameterizes one tier store.
type Config struct {
	Layer            node.Layer
	Capacity         int
	RemovalThreshold float64 // weight floor for sweep-triggered eviction
	Profile          decay.Profile
	ProfileName      string
}

// Validate rejects broken store configurations at load time.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("layer %s: capacity must be at least 1, got %d", c.Layer, c.Capacity)
	}
	if c.RemovalThreshold < 0 || c.RemovalThreshold >= 1 {
		return fmt.Errorf("layer %s: removal_threshold %.3f outside [0,1)", c.Layer, c.RemovalThreshold)
	}
	return c.Profile.Validate()
}

// Evicted describes a node that left a store, for the optional archive.
type Evicted struct {
	Node   *node.Node
	Reason string // "capacity" or "decay"
	At     time.Time
}

// Candidate is one scored node from a store. The node is a clone; mutating
// it has no effect on the store.
type Candidate struct {
	Node       *node.Node
	Layer      node.Layer
	Similarity float64
	Weight     float64 // current decayed weight
	Score      float64 // ranker output
}

// Ranker combines similarity, decayed weight and recency into one score.
type Ranker func(sim, weight float64, lastAccessed, now time.Time) float64

// Store is one bounded tier container. Eviction cascades into the
// association graph under the store's write lock.
type Store struct {
	cfg    Config
	graph  *assoc.Graph
	logger *zap.Logger
	clock  func() time.Time
	sink   chan<- Evicted

	mu    sync.RWMutex
	nodes map[string]*node.Node
}

// New creates an empty store for one tier.
func New(cfg Config, graph *assoc.Graph, logger *zap.Logger) *Store {
	return &Store{
		cfg:    cfg,
		graph:  graph,
		logger: logger,
		clock:  time.Now,
		nodes:  make(map[string]*node.Node, cfg.Capacity),
	}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

// SetEvictionSink registers a channel receiving evicted nodes. Sends are
// non-blocking; a full sink drops the notification, never the eviction.
func (s *Store) SetEvictionSink(sink chan<- Evicted) { s.sink = sink }

// Layer returns the tier this store holds.
func (s *Store) Layer() node.Layer { return s.cfg.Layer }

// Capacity returns the configured bound.
func (s *Store) Capacity() int { return s.cfg.Capacity }

// ProfileName returns the decay profile name new nodes in this tier use.
func (s *Store) ProfileName() string { return s.cfg.ProfileName }

// Len returns the live node count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Put inserts a node. When the store is full the victim is chosen with the
// newcomer included, so a node that ranks worst under the tier's policy (a
// low success rate, a low weight) is evicted immediately on arrival. The
// insert and the eviction happen under one write lock, so the capacity
// invariant holds at every observable moment.
func (s *Store) Put(n *node.Node) (string, error) {
	if n.Layer != s.cfg.Layer {
		return "", fmt.Errorf("%w: node layer %s does not match store %s", node.ErrInvalidNode, n.Layer, s.cfg.Layer)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[n.ID] = n
	if len(s.nodes) > s.cfg.Capacity {
		if evicted := s.evictLocked("capacity"); evicted == nil {
			delete(s.nodes, n.ID)
			return "", ErrCapacityRejected
		}
	}
	return n.ID, nil
}

// Get returns a clone of the node and its current decayed weight.
func (s *Store) Get(id string) (*node.Node, float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, 0, false
	}
	return n.Clone(), s.currentWeight(n, s.clock()), true
}

// Score ranks every live node against the query. Scoring is side-effect
// free: weights are computed lazily from the last access time but never
// written back, so ranking alone cannot reinforce a node. When the context
// expires mid-scan the candidates gathered so far are returned alongside
// the context error.
func (s *Store) Score(ctx context.Context, query string, topK int, sim similarity.Func, rank Ranker) ([]Candidate, error) {
	now := s.clock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]Candidate, 0, len(s.nodes))
	var ctxErr error
	for _, n := range s.nodes {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		score, err := sim(ctx, query, n.Content)
		if err != nil {
			if ctx.Err() != nil {
				ctxErr = ctx.Err()
				break
			}
			s.logger.Warn("similarity failed",
				zap.String("layer", string(s.cfg.Layer)),
				zap.String("node", n.ID),
				zap.Error(err))
			continue
		}
		weight := s.currentWeight(n, now)
		candidates = append(candidates, Candidate{
			Node:       n.Clone(),
			Layer:      s.cfg.Layer,
			Similarity: score,
			Weight:     weight,
			Score:      rank(score, weight, n.LastAccessedAt, now),
		})
	}

	sortCandidates(candidates)
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, ctxErr
}

// Touch applies pending decay, then reinforces: weight boost, access clock
// reset, access count increment. Returns a clone of the updated node.
func (s *Store) Touch(id string, boost float64) (*node.Node, bool) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	n.Weight = s.currentWeight(n, now)
	n.Reinforce(boost, now)
	return n.Clone(), true
}

// Sweep removes every node whose decayed weight fell under the removal
// threshold, cascading edge cleanup per node. It is the only path that
// evicts purely for decay rather than capacity pressure. Survivor weights
// are untouched; they keep decaying lazily from their last access.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*node.Node
	for _, n := range s.nodes {
		if s.currentWeight(n, now) < s.cfg.RemovalThreshold {
			doomed = append(doomed, n)
		}
	}
	for _, n := range doomed {
		s.removeLocked(n, "decay", now)
	}
	if len(doomed) > 0 {
		s.logger.Info("decay sweep",
			zap.String("layer", string(s.cfg.Layer)),
			zap.Int("removed", len(doomed)),
			zap.Int("remaining", len(s.nodes)))
	}
	return len(doomed)
}

// Snapshot returns clones of every live node, for association linking.
func (s *Store) Snapshot() []*node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// Stats summarizes the store for diagnostics.
type Stats struct {
	Layer     node.Layer `json:"layer"`
	Count     int        `json:"count"`
	Capacity  int        `json:"capacity"`
	AvgWeight float64    `json:"avg_weight"`
}

// CurrentStats computes live stats with decayed weights.
func (s *Store) CurrentStats() Stats {
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Layer: s.cfg.Layer, Count: len(s.nodes), Capacity: s.cfg.Capacity}
	if len(s.nodes) == 0 {
		return st
	}
	var sum float64
	for _, n := range s.nodes {
		sum += s.currentWeight(n, now)
	}
	st.AvgWeight = sum / float64(len(s.nodes))
	return st
}

// currentWeight computes the lazily decayed weight without mutation.
func (s *Store) currentWeight(n *node.Node, now time.Time) float64 {
	return s.cfg.Profile.Weight(n.Weight, now.Sub(n.LastAccessedAt), n.Reinforcements)
}

// removeLocked deletes the node, cascades its edges, and notifies the sink.
// Caller holds the write lock; the cascade runs under it so no concurrent
// retrieval can resolve an edge to the vanished node.
func (s *Store) removeLocked(n *node.Node, reason string, now time.Time) {
	delete(s.nodes, n.ID)
	s.graph.RemoveNode(n.ID)
	if s.sink != nil {
		select {
		case s.sink <- Evicted{Node: n, Reason: reason, At: now}:
		default:
		}
	}
}

// sortCandidates orders by score descending, then by more recent access,
// then by lower id for a deterministic total order.
func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if !c[i].Node.LastAccessedAt.Equal(c[j].Node.LastAccessedAt) {
			return c[i].Node.LastAccessedAt.After(c[j].Node.LastAccessedAt)
		}
		return c[i].Node.ID < c[j].Node.ID
	})
}
