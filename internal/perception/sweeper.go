package perception

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/stratamem/internal/eventbus"
	"github.com/nidhogg/stratamem/internal/layer"
	"github.com/nidhogg/stratamem/internal/node"
	"go.uber.org/zap"
)

// Sweeper periodically applies the decay floor to every tier. It is the
// background counterpart to lazy on-touch decay: nodes nobody touches still
// get removed once their weight falls under the removal threshold. One
// ticker covers all tiers; each sweep takes one layer's write lock at a
// time, so tiers never block each other.
type Sweeper struct {
	layers   map[node.Layer]*layer.Store
	interval time.Duration
	bus      *eventbus.Bus // optional
	logger   *zap.Logger
}

// NewSweeper creates a sweeper over the tier stores.
func NewSweeper(layers map[node.Layer]*layer.Store, interval time.Duration, bus *eventbus.Bus, logger *zap.Logger) *Sweeper {
	return &Sweeper{layers: layers, interval: interval, bus: bus, logger: logger}
}

// Run blocks, sweeping on every tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("decay sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("decay sweeper stopped")
			return
		case now := <-ticker.C:
			s.SweepOnce(ctx, now)
		}
	}
}

// SweepOnce sweeps every tier immediately and returns the removal count.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) int {
	var total int
	for _, l := range node.Layers {
		total += s.layers[l].Sweep(now)
	}
	if total > 0 && s.bus != nil {
		if err := s.bus.Publish(ctx, &eventbus.Event{
			Type: "sweep", Detail: fmt.Sprintf("%d removed", total),
		}); err != nil {
			s.logger.Warn("sweep event publish failed", zap.Error(err))
		}
	}
	return total
}
