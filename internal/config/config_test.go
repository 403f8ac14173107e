package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nidhogg/stratamem/internal/node"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9090},
		"retrieval": {"alpha": 0.5, "beta": 0.4, "gamma_r": 0.1,
			"recency_half_life_s": 1800, "k_per_layer": 3, "max_results": 5}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want overlay 9090", cfg.Server.Port)
	}
	if cfg.Retrieval.KPerLayer != 3 {
		t.Errorf("k_per_layer = %d, want 3", cfg.Retrieval.KPerLayer)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Layers[string(node.Working)].Capacity != 20 {
		t.Errorf("working capacity = %d, want default 20", cfg.Layers[string(node.Working)].Capacity)
	}
	if cfg.Similarity != "tokens" {
		t.Errorf("similarity = %q, want default tokens", cfg.Similarity)
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("STRATAMEM_TEST_PORT", "7070")
	os.Unsetenv("STRATAMEM_TEST_LEVEL")

	path := writeConfig(t, `{
		"server": {"port": ${STRATAMEM_TEST_PORT:8080}, "log_level": "${STRATAMEM_TEST_LEVEL:debug}"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env value 7070", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log_level = %q, want fallback debug", cfg.Server.LogLevel)
	}
}

func TestLoadRejectsInvalidParameters(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"negative alpha", `{"retrieval": {"alpha": -0.1, "beta": 0.5, "gamma_r": 0.5,
			"recency_half_life_s": 3600, "k_per_layer": 5, "max_results": 10}}`},
		{"hop decay at one", `{"association": {"semantic_threshold": 0.55,
			"temporal_window_ms": 60000, "emotional_threshold": 0.4, "max_depth": 3, "hop_decay": 1.0}}`},
		{"zero capacity layer", `{"layers": {"working": {"capacity": 0,
			"decay_profile": "fast", "removal_threshold": 0.05}}}`},
		{"unknown decay profile", `{"layers": {"working": {"capacity": 20,
			"decay_profile": "glacial", "removal_threshold": 0.05}}}`},
		{"bad decay lambda", `{"decay_profiles": {"fast": {"kind": "exponential", "lambda": -1}}}`},
		{"unknown similarity", `{"similarity": "cosine-ann"}`},
		{"embedding without endpoint", `{"similarity": "embedding"}`},
		{"zero temperature", `{"fusion": {"temperature": 0, "degrade_factor": 0.5}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("expected load to fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if cfg.Retrieval.Timeout().Milliseconds() != int64(cfg.Retrieval.TimeoutMS) {
		t.Error("timeout accessor disagrees with raw field")
	}
	if cfg.Association.TemporalWindow().Milliseconds() != int64(cfg.Association.TemporalWindowMS) {
		t.Error("temporal window accessor disagrees with raw field")
	}
	if cfg.Sweep.Interval().Seconds() != float64(cfg.Sweep.IntervalSec) {
		t.Error("sweep interval accessor disagrees with raw field")
	}
}
