package perception

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/stratamem/internal/assoc"
	"github.com/nidhogg/stratamem/internal/decay"
	"github.com/nidhogg/stratamem/internal/fusion"
	"github.com/nidhogg/stratamem/internal/layer"
	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/retrieval"
	"github.com/nidhogg/stratamem/internal/similarity"
	"go.uber.org/zap"
)

type harness struct {
	engine *Engine
	layers map[node.Layer]*layer.Store
	graph  *assoc.Graph
	now    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	sim := similarity.TokenOverlap()
	logger := zap.NewNop()

	graph := assoc.New(assoc.Config{
		SemanticThreshold:  0.55,
		TemporalWindow:     time.Second,
		EmotionalThreshold: 0.4,
		MaxDepth:           3,
		HopDecay:           0.7,
	}, sim, logger)
	graph.SetClock(func() time.Time { return now })

	layers := make(map[node.Layer]*layer.Store, len(node.Layers))
	for _, l := range node.Layers {
		s := layer.New(layer.Config{
			Layer:            l,
			Capacity:         50,
			RemovalThreshold: 0.01,
			Profile:          decay.Profile{Kind: decay.Exponential, Lambda: 0.0001},
			ProfileName:      "test",
		}, graph, logger)
		s.SetClock(func() time.Time { return now })
		layers[l] = s
	}

	retr := retrieval.New(layers, graph, sim, retrieval.Config{
		Weights: retrieval.Weights{
			Alpha: 0.6, Beta: 0.3, GammaR: 0.1, RecencyHalfLife: time.Hour,
		},
		KPerLayer:  5,
		MaxDepth:   3,
		MaxResults: 10,
	}, logger)
	retr.SetClock(func() time.Time { return now })

	fus := fusion.New(sim, nil, fusion.Config{Temperature: 0.1}, logger)

	eng := New(layers, graph, retr, fus, nil, cfg, logger)
	eng.SetClock(func() time.Time { return now })
	return &harness{engine: eng, layers: layers, graph: graph, now: now}
}

func defaultPerceptionConfig() Config {
	return Config{
		InitialWeight:  0.5,
		ReinforceBoost: 0.1,
		SourceEpsilon:  0.05,
	}
}

func TestProcessRejectsEmptyContent(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	for _, typ := range []InputType{TypeQuery, TypeEvent, TypeFeedback} {
		_, err := h.engine.Process(context.Background(), Input{Content: "   ", Type: typ})
		if !errors.Is(err, node.ErrInvalidNode) {
			t.Errorf("%s: empty content should fail with ErrInvalidNode, got %v", typ, err)
		}
	}
	for _, l := range node.Layers {
		if h.layers[l].Len() != 0 {
			t.Errorf("rejected input mutated layer %s", l)
		}
	}
}

func TestProcessRejectsUnknownType(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	_, err := h.engine.Process(context.Background(), Input{Content: "hello", Type: "PING"})
	if !errors.Is(err, node.ErrInvalidNode) {
		t.Errorf("unknown type should fail with ErrInvalidNode, got %v", err)
	}
}

func TestClassifyMetadataHintWins(t *testing.T) {
	in := Input{
		Content:  "I feel this is how to do it",
		Type:     TypeEvent,
		Metadata: map[string]string{"kind": "fact"},
	}
	if got := classify(in); got != KindFact {
		t.Errorf("classify = %s, want fact when hinted", got)
	}
}

func TestClassifyFeedbackIsAffective(t *testing.T) {
	in := Input{Content: "that answer was spot on", Type: TypeFeedback}
	if got := classify(in); got != KindFeeling {
		t.Errorf("classify = %s, want feeling for feedback", got)
	}
}

func TestClassifyKeywordHeuristics(t *testing.T) {
	cases := []struct {
		content string
		want    MemoryKind
	}{
		{"how to brew a good espresso", KindSkill},
		{"I felt proud of the launch", KindFeeling},
		{"water is a polar molecule", KindFact},
		{"met the new neighbors at lunch", KindEvent},
	}
	for _, tc := range cases {
		in := Input{Content: tc.content, Type: TypeEvent}
		if got := classify(in); got != tc.want {
			t.Errorf("classify(%q) = %s, want %s", tc.content, got, tc.want)
		}
	}
}

func TestStorePathRoutesToTier(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	cases := []struct {
		in   Input
		tier node.Layer
	}{
		{Input{Content: "attended the town council meeting", Type: TypeEvent}, node.Episodic},
		{Input{Content: "copper is an excellent conductor", Type: TypeEvent}, node.Semantic},
		{Input{Content: "how to splice a rope", Type: TypeEvent, Metadata: map[string]string{"success_rate": "0.8"}}, node.Procedural},
		{Input{Content: "really pleased with the result", Type: TypeFeedback, Metadata: map[string]string{"valence": "0.7"}}, node.Emotional},
	}
	for _, tc := range cases {
		out, err := h.engine.Process(context.Background(), tc.in)
		if err != nil {
			t.Fatalf("process %q: %v", tc.in.Content, err)
		}
		if len(out.ActivatedMemories) == 0 {
			t.Fatalf("%q: no stored memory reported", tc.in.Content)
		}
		if out.ActivatedMemories[0].Layer != tc.tier {
			t.Errorf("%q landed in %s, want %s", tc.in.Content, out.ActivatedMemories[0].Layer, tc.tier)
		}
		if _, _, ok := h.layers[tc.tier].Get(out.ActivatedMemories[0].NodeID); !ok {
			t.Errorf("%q: reported node missing from %s store", tc.in.Content, tc.tier)
		}
	}
}

func TestStorePathBuildsVariantFromMetadata(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	out, err := h.engine.Process(context.Background(), Input{
		Content: "team retro after the release",
		Type:    TypeEvent,
		Metadata: map[string]string{
			"kind":         "event",
			"location":     "conference room",
			"participants": "alice, bob",
			"actions":      "reviewed incidents",
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	n, _, ok := h.layers[node.Episodic].Get(out.ActivatedMemories[0].NodeID)
	if !ok {
		t.Fatal("stored node missing")
	}
	if n.Episodic == nil {
		t.Fatal("episodic fields not populated")
	}
	if n.Episodic.Location != "conference room" {
		t.Errorf("location = %q", n.Episodic.Location)
	}
	if len(n.Episodic.Participants) != 2 || n.Episodic.Participants[1] != "bob" {
		t.Errorf("participants = %v", n.Episodic.Participants)
	}
}

func TestStorePathRejectsBadMetadataBeforeMutation(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	_, err := h.engine.Process(context.Background(), Input{
		Content:  "how to do an impossible thing",
		Type:     TypeEvent,
		Metadata: map[string]string{"kind": "skill", "success_rate": "1.5"},
	})
	if !errors.Is(err, node.ErrInvalidNode) {
		t.Fatalf("out-of-range success_rate should fail with ErrInvalidNode, got %v", err)
	}
	for _, l := range node.Layers {
		if h.layers[l].Len() != 0 {
			t.Errorf("rejected input left residue in layer %s", l)
		}
	}
	if h.graph.EdgeCount() != 0 {
		t.Error("rejected input created edges")
	}
}

func TestStorePathRejectsNonFiniteMetadata(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	cases := []Input{
		{Content: "a weightless happening", Type: TypeEvent,
			Metadata: map[string]string{"weight": "NaN"}},
		{Content: "how to do the impossible", Type: TypeEvent,
			Metadata: map[string]string{"kind": "skill", "success_rate": "NaN"}},
		{Content: "an unreadable mood", Type: TypeFeedback,
			Metadata: map[string]string{"valence": "NaN"}},
	}
	// strconv.ParseFloat accepts "NaN", so these survive parsing and must be
	// stopped at construction instead of poisoning decay and ranking math.
	for _, in := range cases {
		if _, err := h.engine.Process(context.Background(), in); !errors.Is(err, node.ErrInvalidNode) {
			t.Errorf("metadata %v should fail with ErrInvalidNode, got %v", in.Metadata, err)
		}
	}
	for _, l := range node.Layers {
		if h.layers[l].Len() != 0 {
			t.Errorf("rejected input left residue in layer %s", l)
		}
	}
}

func TestStorePathLinksAssociations(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	first, err := h.engine.Process(context.Background(), Input{
		Content: "deployed the billing service", Type: TypeEvent,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if first.EdgesCreated != 0 {
		t.Errorf("first memory has nothing to link to, got %d edges", first.EdgesCreated)
	}

	// Same fixed clock puts the second event inside the temporal window.
	second, err := h.engine.Process(context.Background(), Input{
		Content: "alerts fired minutes later", Type: TypeEvent,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if second.EdgesCreated == 0 {
		t.Error("second event inside the temporal window should link")
	}
	if h.graph.EdgeCount() == 0 {
		t.Error("graph holds no edges after linked store")
	}
}

func TestWorkingEchoMirrorsStore(t *testing.T) {
	cfg := defaultPerceptionConfig()
	cfg.WorkingEcho = true
	h := newHarness(t, cfg)

	out, err := h.engine.Process(context.Background(), Input{
		Content: "gravity bends light", Type: TypeEvent,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out.ActivatedMemories) != 2 {
		t.Fatalf("expected home-tier node plus working echo, got %d", len(out.ActivatedMemories))
	}
	if out.ActivatedMemories[1].Layer != node.Working {
		t.Errorf("echo landed in %s", out.ActivatedMemories[1].Layer)
	}
	if h.layers[node.Working].Len() != 1 {
		t.Errorf("working tier holds %d nodes, want 1", h.layers[node.Working].Len())
	}
}

func TestRetrievePathReinforcesSources(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	stored, err := h.engine.Process(context.Background(), Input{
		Content: "the sprint review is every friday", Type: TypeEvent,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	id := stored.ActivatedMemories[0].NodeID

	out, err := h.engine.Process(context.Background(), Input{
		Content: "the sprint review is every friday", Type: TypeQuery,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out.Response == "" {
		t.Error("query produced no response")
	}
	if out.Confidence <= 0 || out.Confidence > 1 {
		t.Errorf("confidence %f outside (0,1]", out.Confidence)
	}

	n, _, ok := h.layers[node.Semantic].Get(id)
	if !ok {
		t.Fatal("stored node disappeared")
	}
	if n.AccessCount != 1 {
		t.Errorf("access count = %d, want 1 after one reinforced use", n.AccessCount)
	}
	if n.Reinforcements != 1 {
		t.Errorf("reinforcements = %d, want 1", n.Reinforcements)
	}
}

func TestRetrievePathOnEmptyEngine(t *testing.T) {
	h := newHarness(t, defaultPerceptionConfig())
	out, err := h.engine.Process(context.Background(), Input{
		Content: "anything in there", Type: TypeQuery,
	})
	if err != nil {
		t.Fatalf("query on empty engine: %v", err)
	}
	if out.Response != "" || len(out.ActivatedMemories) != 0 {
		t.Error("empty engine should answer with an empty result")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{InitialWeight: 0.5, ReinforceBoost: 0.1, SourceEpsilon: 0.05}, true},
		{"zero initial weight", Config{ReinforceBoost: 0.1}, false},
		{"boost above one", Config{InitialWeight: 0.5, ReinforceBoost: 1.5}, false},
		{"epsilon at one", Config{InitialWeight: 0.5, ReinforceBoost: 0.1, SourceEpsilon: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}
