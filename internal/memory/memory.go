// Package memory stores agent memories and finds them again by lexical
// similarity.
package memory

import (
	"errors"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// ErrEmptyContent is returned when storing a memory without content.
var ErrEmptyContent = errors.New("memory content is required")

// DefaultMaxItemsPerAgent caps how many memories are kept per agent.
const DefaultMaxItemsPerAgent = 1000

// tokenize lowercases s and splits it into letter/digit runs.
func tokenize(s string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		tf[tok]++
	}
	return tf
}

// Similarity is the cosine similarity of the term-frequency vectors of a
// and b, in [0,1].
func Similarity(a, b string) float64 {
	return cosine(tokenize(a), tokenize(b))
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for tok, w := range a {
		na += w * w
		if v, ok := b[tok]; ok {
			dot += w * v
		}
	}
	for _, w := range b {
		nb += w * w
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank scores items against query and returns those at or above threshold,
// best first, ties broken by importance then recency.
func rank(items []*types.MemoryItem, query string, threshold float64, limit int) []types.MemoryMatch {
	q := tokenize(query)
	matches := make([]types.MemoryMatch, 0)
	for _, item := range items {
		score := cosine(q, tokenize(item.Content))
		if score < threshold || score == 0 {
			continue
		}
		matches = append(matches, types.MemoryMatch{Item: *item, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Item.Importance != b.Item.Importance {
			return a.Item.Importance > b.Item.Importance
		}
		return a.Item.CreatedAt.After(b.Item.CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// evictionOrder sorts items so the first one is the cheapest to forget:
// least important, then oldest.
func evictionOrder(items []*types.MemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance < items[j].Importance
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
