// Package decay implements time-based weight reduction strategies.
//
// Decay is evaluated lazily: callers compute the current weight from the
// elapsed time since last access, either on touch or during a periodic
// sweep. No per-node timers exist anywhere in the engine.
package decay

import (
	"fmt"
	"math"
	"time"
)

// Kind selects the decay formula.
type Kind string

const (
	Exponential Kind = "exponential" // w * e^(-lambda * dt)
	Power       Kind = "power"       // w / (1 + dt)^alpha
	Ebbinghaus  Kind = "ebbinghaus"  // w * e^(-dt / (s * strength))
)

// Profile holds a decay strategy and its parameters. Time constants are in
// seconds. Profiles are validated once at configuration load; Weight never
// checks parameters at call time.
type Profile struct {
	Kind      Kind    `json:"kind"`
	Lambda    float64 `json:"lambda,omitempty"`    // exponential rate, 1/s
	Alpha     float64 `json:"alpha,omitempty"`     // power-law exponent
	Stability float64 `json:"stability,omitempty"` // ebbinghaus base stability, s
}

// Validate rejects profiles that could produce NaN or negative weights.
func (p Profile) Validate() error {
	switch p.Kind {
	case Exponential:
		if p.Lambda <= 0 || math.IsNaN(p.Lambda) || math.IsInf(p.Lambda, 0) {
			return fmt.Errorf("decay profile %s: lambda must be positive, got %v", p.Kind, p.Lambda)
		}
	case Power:
		if p.Alpha <= 0 || math.IsNaN(p.Alpha) || math.IsInf(p.Alpha, 0) {
			return fmt.Errorf("decay profile %s: alpha must be positive, got %v", p.Kind, p.Alpha)
		}
	case Ebbinghaus:
		if p.Stability <= 0 || math.IsNaN(p.Stability) || math.IsInf(p.Stability, 0) {
			return fmt.Errorf("decay profile %s: stability must be positive, got %v", p.Kind, p.Stability)
		}
	default:
		return fmt.Errorf("unknown decay kind %q", p.Kind)
	}
	return nil
}

// Weight returns the decayed weight after elapsed time. Reinforcements only
// matter for the ebbinghaus strategy, where each one raises the memory
// strength and flattens the forgetting curve. The result is clamped to
// [0, initial] so decay can never raise a weight.
func (p Profile) Weight(initial float64, elapsed time.Duration, reinforcements int) float64 {
	if initial <= 0 {
		return 0
	}
	if elapsed <= 0 {
		return initial
	}
	dt := elapsed.Seconds()

	var w float64
	switch p.Kind {
	case Exponential:
		w = initial * math.Exp(-p.Lambda*dt)
	case Power:
		w = initial / math.Pow(1+dt, p.Alpha)
	case Ebbinghaus:
		strength := 1 + float64(reinforcements)
		w = initial * math.Exp(-dt/(p.Stability*strength))
	default:
		w = initial
	}

	if w < 0 || math.IsNaN(w) {
		return 0
	}
	if w > initial {
		return initial
	}
	return w
}

// Registry maps profile names to validated profiles.
type Registry map[string]Profile

// DefaultRegistry returns the built-in profiles used when the configuration
// does not override them.
func DefaultRegistry() Registry {
	return Registry{
		"fast":     {Kind: Exponential, Lambda: 1.0 / 600},       // ~10 min scale
		"standard": {Kind: Power, Alpha: 0.5},                    // long-tailed
		"durable":  {Kind: Ebbinghaus, Stability: 3600 * 24 * 7}, // week-scale base
	}
}

// Validate checks every profile in the registry.
func (r Registry) Validate() error {
	for name, p := range r {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	return nil
}

// Lookup returns the named profile, falling back to a long-tailed default
// so a missing name degrades gracefully rather than freezing weights.
func (r Registry) Lookup(name string) Profile {
	if p, ok := r[name]; ok {
		return p
	}
	return Profile{Kind: Power, Alpha: 0.5}
}
