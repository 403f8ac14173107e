package layer

import (
	"github.com/nidhogg/stratamem/internal/node"
	"go.uber.org/zap"
)

// Eviction policy per tier, fixed by design:
//
//	working     oldest created first (the context window slides)
//	episodic    lowest decayed weight first
//	semantic    least recently accessed first
//	procedural  lowest success rate, ties broken by lowest weight
//	emotional   lowest decayed weight first
//
// The scan runs after the newcomer is inserted, so a node that arrives
// already ranking worst is itself the victim. Exact ties fall back to the
// lowest id, keeping victim selection independent of map iteration order.
// Victim selection scans the live set. The scan is bounded by the tier
// capacity, which is a configuration constant, so insertion stays cheap
// even though weight order cannot be kept in a heap (lazy decay makes any
// precomputed weight order stale).

// evictLocked removes exactly one node chosen by the tier's policy and
// returns it, or nil if the store is empty. Caller holds the write lock.
func (s *Store) evictLocked(reason string) *node.Node {
	now := s.clock()

	var victim *node.Node
	switch s.cfg.Layer {
	case node.Working:
		for _, n := range s.nodes {
			if victim == nil || n.CreatedAt.Before(victim.CreatedAt) ||
				(n.CreatedAt.Equal(victim.CreatedAt) && n.ID < victim.ID) {
				victim = n
			}
		}
	case node.Semantic:
		for _, n := range s.nodes {
			if victim == nil || n.LastAccessedAt.Before(victim.LastAccessedAt) ||
				(n.LastAccessedAt.Equal(victim.LastAccessedAt) && n.ID < victim.ID) {
				victim = n
			}
		}
	case node.Procedural:
		var victimRate, victimWeight float64
		for _, n := range s.nodes {
			rate := n.Procedural.SuccessRate
			weight := s.currentWeight(n, now)
			if victim == nil || rate < victimRate ||
				(rate == victimRate && weight < victimWeight) ||
				(rate == victimRate && weight == victimWeight && n.ID < victim.ID) {
				victim, victimRate, victimWeight = n, rate, weight
			}
		}
	default: // episodic, emotional
		var victimWeight float64
		for _, n := range s.nodes {
			weight := s.currentWeight(n, now)
			if victim == nil || weight < victimWeight ||
				(weight == victimWeight && n.ID < victim.ID) {
				victim, victimWeight = n, weight
			}
		}
	}

	if victim == nil {
		return nil
	}
	s.removeLocked(victim, reason, now)
	s.logger.Debug("evicted node",
		zap.String("layer", string(s.cfg.Layer)),
		zap.String("node", victim.ID),
		zap.String("reason", reason))
	return victim
}
