// Package config loads and validates the engine configuration. Every
// numeric parameter that could corrupt a weight or a threshold is rejected
// here, at load time; the hot paths never re-validate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/stratamem/internal/decay"
	"github.com/nidhogg/stratamem/internal/embedding"
	"github.com/nidhogg/stratamem/internal/node"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig             `json:"server"`
	Layers        map[string]LayerConfig   `json:"layers"`
	DecayProfiles map[string]decay.Profile `json:"decay_profiles"`
	Association   AssociationConfig        `json:"association"`
	Retrieval     RetrievalConfig          `json:"retrieval"`
	Fusion        FusionConfig             `json:"fusion"`
	Perception    PerceptionConfig         `json:"perception"`
	Sweep         SweepConfig              `json:"sweep"`
	Database      DatabaseConfig           `json:"database"`
	Similarity    string                   `json:"similarity"` // "tokens" or "embedding"
	Embedding     embedding.Config         `json:"embedding"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type LayerConfig struct {
	Capacity         int     `json:"capacity"`
	DecayProfile     string  `json:"decay_profile"`
	RemovalThreshold float64 `json:"removal_threshold"`
}

type AssociationConfig struct {
	SemanticThreshold  float64 `json:"semantic_threshold"`
	TemporalWindowMS   int     `json:"temporal_window_ms"`
	EmotionalThreshold float64 `json:"emotional_threshold"`
	MaxDepth           int     `json:"max_depth"`
	HopDecay           float64 `json:"hop_decay"`
}

// TemporalWindow returns the window as a duration.
func (a AssociationConfig) TemporalWindow() time.Duration {
	return time.Duration(a.TemporalWindowMS) * time.Millisecond
}

type RetrievalConfig struct {
	Alpha              float64 `json:"alpha"`
	Beta               float64 `json:"beta"`
	GammaR             float64 `json:"gamma_r"`
	RecencyHalfLifeSec int     `json:"recency_half_life_s"`
	KPerLayer          int     `json:"k_per_layer"`
	MaxResults         int     `json:"max_results"`
	TimeoutMS          int     `json:"timeout_ms"`
}

// RecencyHalfLife returns the recency scale as a duration.
func (r RetrievalConfig) RecencyHalfLife() time.Duration {
	return time.Duration(r.RecencyHalfLifeSec) * time.Second
}

// Timeout returns the retrieval budget as a duration.
func (r RetrievalConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

type FusionConfig struct {
	Temperature   float64 `json:"temperature"`
	DegradeFactor float64 `json:"degrade_factor"`
	MaxParts      int     `json:"max_parts"`
}

type PerceptionConfig struct {
	InitialWeight  float64 `json:"initial_weight"`
	ReinforceBoost float64 `json:"reinforce_boost"`
	SourceEpsilon  float64 `json:"source_epsilon"`
	WorkingEcho    bool    `json:"working_echo"`
}

type SweepConfig struct {
	IntervalSec int `json:"interval_s"`
}

// Interval returns the sweep period as a duration.
func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

type DatabaseConfig struct {
	PostgresDSN string `json:"postgres_dsn"` // empty disables the archive
	RedisURL    string `json:"redis_url"`    // empty disables the event bus
}

// Default returns a complete working configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Layers: map[string]LayerConfig{
			string(node.Working):    {Capacity: 20, DecayProfile: "fast", RemovalThreshold: 0.05},
			string(node.Episodic):   {Capacity: 200, DecayProfile: "standard", RemovalThreshold: 0.05},
			string(node.Semantic):   {Capacity: 500, DecayProfile: "durable", RemovalThreshold: 0.02},
			string(node.Procedural): {Capacity: 100, DecayProfile: "durable", RemovalThreshold: 0.02},
			string(node.Emotional):  {Capacity: 150, DecayProfile: "standard", RemovalThreshold: 0.05},
		},
		DecayProfiles: decay.DefaultRegistry(),
		Association: AssociationConfig{
			SemanticThreshold:  0.55,
			TemporalWindowMS:   60_000,
			EmotionalThreshold: 0.4,
			MaxDepth:           3,
			HopDecay:           0.7,
		},
		Retrieval: RetrievalConfig{
			Alpha: 0.6, Beta: 0.25, GammaR: 0.15,
			RecencyHalfLifeSec: 3600,
			KPerLayer:          5,
			MaxResults:         10,
			TimeoutMS:          2000,
		},
		Fusion: FusionConfig{Temperature: 0.25, DegradeFactor: 0.5, MaxParts: 3},
		Perception: PerceptionConfig{
			InitialWeight:  0.6,
			ReinforceBoost: 0.15,
			SourceEpsilon:  0.05,
			WorkingEcho:    true,
		},
		Sweep:      SweepConfig{IntervalSec: 300},
		Similarity: "tokens",
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults, substituting environment
// variable references, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate cross-checks the whole configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	if err := decay.Registry(c.DecayProfiles).Validate(); err != nil {
		return err
	}

	for _, l := range node.Layers {
		lc, ok := c.Layers[string(l)]
		if !ok {
			return fmt.Errorf("missing layer config for %s", l)
		}
		if lc.Capacity < 1 {
			return fmt.Errorf("layer %s: capacity must be at least 1, got %d", l, lc.Capacity)
		}
		if lc.RemovalThreshold < 0 || lc.RemovalThreshold >= 1 {
			return fmt.Errorf("layer %s: removal_threshold %.3f outside [0,1)", l, lc.RemovalThreshold)
		}
		if _, ok := c.DecayProfiles[lc.DecayProfile]; !ok {
			return fmt.Errorf("layer %s: unknown decay profile %q", l, lc.DecayProfile)
		}
	}

	a := c.Association
	if a.SemanticThreshold < 0 || a.SemanticThreshold > 1 {
		return fmt.Errorf("semantic_threshold %.3f outside [0,1]", a.SemanticThreshold)
	}
	if a.TemporalWindowMS <= 0 {
		return fmt.Errorf("temporal_window_ms must be positive, got %d", a.TemporalWindowMS)
	}
	if a.EmotionalThreshold <= 0 || a.EmotionalThreshold > 2 {
		return fmt.Errorf("emotional_threshold %.3f outside (0,2]", a.EmotionalThreshold)
	}
	if a.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", a.MaxDepth)
	}
	if a.HopDecay <= 0 || a.HopDecay >= 1 {
		return fmt.Errorf("hop_decay %.3f outside (0,1)", a.HopDecay)
	}

	r := c.Retrieval
	if r.Alpha < 0 || r.Beta < 0 || r.GammaR < 0 || r.Alpha+r.Beta+r.GammaR == 0 {
		return fmt.Errorf("retrieval coefficients invalid: alpha=%.3f beta=%.3f gamma_r=%.3f", r.Alpha, r.Beta, r.GammaR)
	}
	if r.RecencyHalfLifeSec <= 0 {
		return fmt.Errorf("recency_half_life_s must be positive, got %d", r.RecencyHalfLifeSec)
	}
	if r.KPerLayer < 1 || r.MaxResults < 1 {
		return fmt.Errorf("k_per_layer and max_results must be at least 1")
	}

	f := c.Fusion
	if f.Temperature <= 0 {
		return fmt.Errorf("fusion temperature must be positive, got %.3f", f.Temperature)
	}
	if f.DegradeFactor <= 0 || f.DegradeFactor > 1 {
		return fmt.Errorf("degrade_factor %.3f outside (0,1]", f.DegradeFactor)
	}

	p := c.Perception
	if p.InitialWeight <= 0 || p.InitialWeight > 1 {
		return fmt.Errorf("initial_weight %.3f outside (0,1]", p.InitialWeight)
	}
	if p.ReinforceBoost <= 0 || p.ReinforceBoost > 1 {
		return fmt.Errorf("reinforce_boost %.3f outside (0,1]", p.ReinforceBoost)
	}
	if p.SourceEpsilon < 0 || p.SourceEpsilon >= 1 {
		return fmt.Errorf("source_epsilon %.3f outside [0,1)", p.SourceEpsilon)
	}

	if c.Sweep.IntervalSec < 1 {
		return fmt.Errorf("sweep interval_s must be at least 1, got %d", c.Sweep.IntervalSec)
	}

	switch c.Similarity {
	case "tokens":
	case "embedding":
		if c.Embedding.Provider == "" || c.Embedding.Endpoint == "" {
			return fmt.Errorf("similarity %q requires embedding provider and endpoint", c.Similarity)
		}
	default:
		return fmt.Errorf("unknown similarity backend %q", c.Similarity)
	}

	return nil
}
