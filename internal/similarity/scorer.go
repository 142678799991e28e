// Package similarity supplies the content-similarity capability consumed by
// the propagation graph builder. The production scorer is an external NLP
// service; this package wraps it with caching and a circuit breaker, and
// ships a deterministic local fallback for offline and evidentiary re-runs.
package similarity

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// Scorer computes text similarity in [0,1] for a pair of posts. The builder
// treats it as a pure function of the two texts, cacheable by post-id pair.
type Scorer interface {
	Score(ctx context.Context, aID, aText, bID, bText string) (float64, error)
}

// ShingleScorer is a deterministic token-shingle cosine scorer. It has no
// external dependencies, so traced sessions can be reproduced byte-identically
// without the NLP service.
type ShingleScorer struct {
	shingleSize int
}

// NewShingleScorer creates a scorer over n-token shingles (minimum 1).
func NewShingleScorer(n int) *ShingleScorer {
	if n < 1 {
		n = 1
	}
	return &ShingleScorer{shingleSize: n}
}

// Score returns the cosine similarity of the two texts' shingle count vectors.
func (s *ShingleScorer) Score(_ context.Context, _, aText, _, bText string) (float64, error) {
	return cosine(shingles(aText, s.shingleSize), shingles(bText, s.shingleSize)), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '#' && r != '@'
	})
}

func shingles(text string, n int) map[string]int {
	tokens := tokenize(text)
	counts := make(map[string]int)
	if len(tokens) == 0 {
		return counts
	}
	if len(tokens) < n {
		counts[strings.Join(tokens, " ")]++
		return counts
	}
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}

func cosine(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for k, va := range a {
		normA += float64(va) * float64(va)
		if vb, ok := b[k]; ok {
			dot += float64(va) * float64(vb)
		}
	}
	for _, vb := range b {
		normB += float64(vb) * float64(vb)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
