package core

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"graphrag.dev/graph-chat/internal/store"
)

// CosineSimilarity of two equally sized, non-empty vectors. A zero vector
// has similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, errors.New("vectors cannot be empty")
	}
	if len(a) != len(b) {
		return 0, errors.Errorf("vector dimensions differ: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

type ScoredRelationship struct {
	Relationship store.Relationship
	Similarity   float32
}

// rankBySimilarity scores every relationship against query and keeps the k
// best. Relationships with mismatched or missing embeddings are skipped.
func rankBySimilarity(query []float32, rels []store.Relationship, k int) []ScoredRelationship {
	scored := make([]ScoredRelationship, 0, len(rels))
	for _, rel := range rels {
		sim, err := CosineSimilarity(query, rel.Embedding)
		if err != nil {
			continue
		}
		scored = append(scored, ScoredRelationship{Relationship: rel, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
