// Package similarity defines the injected content comparator. The engine
// never interprets node content beyond this boundary, so any embedding or
// language-model backend can be plugged in from outside.
package similarity

import (
	"context"
	"math"
	"strings"
)

// Func scores how alike two opaque payloads are, in [0, 1]. Implementations
// may be expensive (remote embedding calls), so they take a context and the
// caller bounds them with a deadline.
type Func func(ctx context.Context, a, b string) (float64, error)

// Pure lifts a context-free scorer into a Func.
func Pure(f func(a, b string) float64) Func {
	return func(_ context.Context, a, b string) (float64, error) {
		return f(a, b), nil
	}
}

// TokenOverlap is the default comparator: a blend of Jaccard overlap and
// coverage over lowercase word tokens, with partial credit for substring
// hits. Identical strings score 1.0.
func TokenOverlap() Func {
	return Pure(tokenOverlap)
}

func tokenOverlap(a, b string) float64 {
	if a == b && strings.TrimSpace(a) != "" {
		return 1
	}

	aTokens := tokenize(a)
	bTokens := tokenize(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}

	bSet := make(map[string]bool, len(bTokens))
	for _, w := range bTokens {
		bSet[w] = true
	}
	bText := strings.ToLower(b)

	var matched int
	var weighted float64
	seen := make(map[string]bool, len(aTokens))
	for _, w := range aTokens {
		if seen[w] {
			continue
		}
		seen[w] = true
		switch {
		case bSet[w]:
			matched++
			weighted += 1.0
		case strings.Contains(bText, w):
			matched++
			weighted += 0.7 // partial substring match
		}
	}
	if matched == 0 {
		return 0
	}

	overlap := float64(matched)
	union := float64(len(seen) + len(bSet) - matched)
	jaccard := overlap / math.Max(union, 1)
	coverage := weighted / float64(len(seen))

	score := 0.4*jaccard + 0.6*coverage
	if score > 1 {
		return 1
	}
	return score
}

// tokenize splits text into lowercase word tokens, dropping single chars.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}
