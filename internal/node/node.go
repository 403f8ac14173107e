// Package node defines the memory unit shared by every tier of the engine.
package node

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Layer identifies one of the five memory tiers.
type Layer string

const (
	Working    Layer = "working"
	Episodic   Layer = "episodic"
	Semantic   Layer = "semantic"
	Procedural Layer = "procedural"
	Emotional  Layer = "emotional"
)

// Layers lists all tiers in a stable order.
var Layers = []Layer{Working, Episodic, Semantic, Procedural, Emotional}

// ErrInvalidNode is returned when a node fails validation at construction.
var ErrInvalidNode = errors.New("invalid memory node")

// WorkingFields holds the short-term tier payload.
type WorkingFields struct {
	AttentionScore float64 `json:"attention_score"`
	ContextSlot    int     `json:"context_slot"`
}

// EpisodicFields records a concrete experienced event.
type EpisodicFields struct {
	Location     string   `json:"location,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Actions      []string `json:"actions,omitempty"`
	Results      []string `json:"results,omitempty"`
}

// SemanticFields holds abstracted knowledge.
type SemanticFields struct {
	Concepts []string `json:"concepts,omitempty"`
	Rules    []string `json:"rules,omitempty"`
}

// ProceduralFields describes a learned skill.
type ProceduralFields struct {
	SkillType   string   `json:"skill_type"`
	Steps       []string `json:"steps,omitempty"`
	SuccessRate float64  `json:"success_rate"`
}

// EmotionalFields captures an affective reaction.
type EmotionalFields struct {
	EmotionType      string  `json:"emotion_type"`
	Valence          float64 `json:"valence"`           // [-1, 1]
	Arousal          float64 `json:"arousal"`           // [0, 1]
	UserSatisfaction float64 `json:"user_satisfaction"` // [0, 1]
}

// Node is the tagged-variant memory unit. Exactly one of the tier payload
// pointers matching Layer is non-nil. Nodes never reference other nodes;
// all relationships live in the association graph keyed by ID.
type Node struct {
	ID             string    `json:"id"`
	Layer          Layer     `json:"layer"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Weight         float64   `json:"weight"`
	AccessCount    int       `json:"access_count"`
	DecayProfile   string    `json:"decay_profile"`
	Reinforcements int       `json:"reinforcements"`

	Working    *WorkingFields    `json:"working,omitempty"`
	Episodic   *EpisodicFields   `json:"episodic,omitempty"`
	Semantic   *SemanticFields   `json:"semantic,omitempty"`
	Procedural *ProceduralFields `json:"procedural,omitempty"`
	Emotional  *EmotionalFields  `json:"emotional,omitempty"`
}

// Clamp01 bounds v to [0, 1]. NaN maps to 0 so a poisoned value can never
// leave the range.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func newBase(layer Layer, content, profile string, weight float64, now time.Time) (*Node, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidNode)
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return nil, fmt.Errorf("%w: weight %v is not finite", ErrInvalidNode, weight)
	}
	return &Node{
		ID:             uuid.New().String(),
		Layer:          layer,
		Content:        content,
		CreatedAt:      now,
		LastAccessedAt: now,
		Weight:         Clamp01(weight),
		DecayProfile:   profile,
	}, nil
}

// NewWorking creates a short-term context node.
func NewWorking(content, profile string, weight float64, now time.Time, f WorkingFields) (*Node, error) {
	n, err := newBase(Working, content, profile, weight, now)
	if err != nil {
		return nil, err
	}
	f.AttentionScore = Clamp01(f.AttentionScore)
	n.Working = &f
	return n, nil
}

// NewEpisodic creates an event node.
func NewEpisodic(content, profile string, weight float64, now time.Time, f EpisodicFields) (*Node, error) {
	n, err := newBase(Episodic, content, profile, weight, now)
	if err != nil {
		return nil, err
	}
	n.Episodic = &f
	return n, nil
}

// NewSemantic creates a fact node.
func NewSemantic(content, profile string, weight float64, now time.Time, f SemanticFields) (*Node, error) {
	n, err := newBase(Semantic, content, profile, weight, now)
	if err != nil {
		return nil, err
	}
	n.Semantic = &f
	return n, nil
}

// NewProcedural creates a skill node.
func NewProcedural(content, profile string, weight float64, now time.Time, f ProceduralFields) (*Node, error) {
	if math.IsNaN(f.SuccessRate) || f.SuccessRate < 0 || f.SuccessRate > 1 {
		return nil, fmt.Errorf("%w: success_rate %.3f outside [0,1]", ErrInvalidNode, f.SuccessRate)
	}
	n, err := newBase(Procedural, content, profile, weight, now)
	if err != nil {
		return nil, err
	}
	n.Procedural = &f
	return n, nil
}

// NewEmotional creates a feeling node.
func NewEmotional(content, profile string, weight float64, now time.Time, f EmotionalFields) (*Node, error) {
	if math.IsNaN(f.Valence) || f.Valence < -1 || f.Valence > 1 {
		return nil, fmt.Errorf("%w: valence %.3f outside [-1,1]", ErrInvalidNode, f.Valence)
	}
	f.Arousal = Clamp01(f.Arousal)
	f.UserSatisfaction = Clamp01(f.UserSatisfaction)
	n, err := newBase(Emotional, content, profile, weight, now)
	if err != nil {
		return nil, err
	}
	n.Emotional = &f
	return n, nil
}

// Reinforce boosts the node after it was actually used in a response.
// Weight is clamped, the access clock resets, and the reinforcement count
// feeds back into ebbinghaus-style decay stability.
func (n *Node) Reinforce(boost float64, now time.Time) {
	n.Weight = Clamp01(n.Weight + boost)
	n.LastAccessedAt = now
	n.AccessCount++
	n.Reinforcements++
}

// Clone returns a deep copy safe to hand out past a store's lock.
func (n *Node) Clone() *Node {
	c := *n
	switch {
	case n.Working != nil:
		f := *n.Working
		c.Working = &f
	case n.Episodic != nil:
		f := *n.Episodic
		f.Participants = append([]string(nil), n.Episodic.Participants...)
		f.Actions = append([]string(nil), n.Episodic.Actions...)
		f.Results = append([]string(nil), n.Episodic.Results...)
		c.Episodic = &f
	case n.Semantic != nil:
		f := *n.Semantic
		f.Concepts = append([]string(nil), n.Semantic.Concepts...)
		f.Rules = append([]string(nil), n.Semantic.Rules...)
		c.Semantic = &f
	case n.Procedural != nil:
		f := *n.Procedural
		f.Steps = append([]string(nil), n.Procedural.Steps...)
		c.Procedural = &f
	case n.Emotional != nil:
		f := *n.Emotional
		c.Emotional = &f
	}
	return &c
}
