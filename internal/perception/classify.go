package perception

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/stratamem/internal/node"
)

// MemoryKind is the store-path classification of an input.
type MemoryKind string

const (
	KindEvent   MemoryKind = "event"
	KindFact    MemoryKind = "fact"
	KindSkill   MemoryKind = "skill"
	KindFeeling MemoryKind = "feeling"
)

var kindLayers = map[MemoryKind]node.Layer{
	KindEvent:   node.Episodic,
	KindFact:    node.Semantic,
	KindSkill:   node.Procedural,
	KindFeeling: node.Emotional,
}

// classify decides which variant a store-path input becomes. An explicit
// metadata hint wins; FEEDBACK is always affective; otherwise cheap keyword
// heuristics pick the tier, defaulting to an episodic event.
func classify(in Input) MemoryKind {
	if hint, ok := in.Metadata["kind"]; ok {
		switch MemoryKind(strings.ToLower(hint)) {
		case KindEvent, KindFact, KindSkill, KindFeeling:
			return MemoryKind(strings.ToLower(hint))
		}
	}
	if in.Type == TypeFeedback {
		return KindFeeling
	}

	content := strings.ToLower(in.Content)
	switch {
	case containsAny(content, "how to", "steps to", "procedure", "recipe", "first,", "then "):
		return KindSkill
	case containsAny(content, "feel", "felt", "happy", "sad", "angry", "frustrated", "love", "hate", "excited"):
		return KindFeeling
	case containsAny(content, " is ", " are ", " means ", "defined as", "always", "never"):
		return KindFact
	default:
		return KindEvent
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// buildNode constructs the tier variant for a classified input, pulling
// tier-specific fields out of request metadata.
func (e *Engine) buildNode(kind MemoryKind, in Input, now time.Time) (*node.Node, error) {
	tier := kindLayers[kind]
	profile := e.layers[tier].ProfileName()
	// Raw metadata value on purpose: the constructors clamp finite weights
	// and reject non-finite ones.
	weight := metaFloat(in.Metadata, "weight", e.cfg.InitialWeight)

	switch kind {
	case KindEvent:
		return node.NewEpisodic(in.Content, profile, weight, now, node.EpisodicFields{
			Location:     in.Metadata["location"],
			Participants: metaList(in.Metadata, "participants"),
			Actions:      metaList(in.Metadata, "actions"),
			Results:      metaList(in.Metadata, "results"),
		})
	case KindFact:
		return node.NewSemantic(in.Content, profile, weight, now, node.SemanticFields{
			Concepts: metaList(in.Metadata, "concepts"),
			Rules:    metaList(in.Metadata, "rules"),
		})
	case KindSkill:
		return node.NewProcedural(in.Content, profile, weight, now, node.ProceduralFields{
			SkillType:   in.Metadata["skill_type"],
			Steps:       metaList(in.Metadata, "steps"),
			SuccessRate: metaFloat(in.Metadata, "success_rate", 0.5),
		})
	case KindFeeling:
		return node.NewEmotional(in.Content, profile, weight, now, node.EmotionalFields{
			EmotionType:      in.Metadata["emotion"],
			Valence:          metaFloat(in.Metadata, "valence", 0),
			Arousal:          metaFloat(in.Metadata, "arousal", 0.5),
			UserSatisfaction: metaFloat(in.Metadata, "satisfaction", 0.5),
		})
	default:
		return nil, fmt.Errorf("%w: unclassifiable input", node.ErrInvalidNode)
	}
}
