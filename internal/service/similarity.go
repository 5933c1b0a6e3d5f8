package service

import "context"

// Match is one candidate returned by a SimilarityMatcher
type Match struct {
	Key      string
	Score    float64
	Value    []byte
	Metadata map[string]string
}

// SimilarityMatcher finds cached keys close to a query that missed exactly.
// Implementations return at most topK matches scoring at least threshold,
// best first. A match without a Value is resolved by an exact lookup of its Key.
type SimilarityMatcher interface {
	FindSimilar(ctx context.Context, query string, threshold float64, topK int) ([]Match, error)
}
