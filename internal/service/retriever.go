package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rfiassist/internal/cache"
	"rfiassist/internal/model"
	"rfiassist/internal/vector"
)

// SimilarFinder returns the resolved nearest neighbours of each question, in input order
type SimilarFinder interface {
	GetSimilar(ctx context.Context, questions []string) ([]model.SimilarResult, error)
}

// AnswerLookup resolves an index datapoint id (a question hash) to a stored answer
type AnswerLookup interface {
	GetByHash(ctx context.Context, hash string) (*model.Answer, error)
}

// SimilarityRetriever embeds questions, queries the vector index and resolves
// neighbour ids back to answers. Unresolvable neighbours are dropped.
type SimilarityRetriever struct {
	embedder vector.Embedder
	index    vector.Index
	cache    cache.EmbeddingCache // Optional
	answers  AnswerLookup
	k        int
	log      *zap.Logger
}

// NewSimilarityRetriever creates a retriever. A nil index disables retrieval:
// every question resolves to no neighbours.
func NewSimilarityRetriever(embedder vector.Embedder, index vector.Index, c cache.EmbeddingCache, answers AnswerLookup, k int, log *zap.Logger) *SimilarityRetriever {
	if k <= 0 {
		k = 3
	}
	return &SimilarityRetriever{
		embedder: embedder,
		index:    index,
		cache:    c,
		answers:  answers,
		k:        k,
		log:      log.Named("retriever"),
	}
}

func (r *SimilarityRetriever) GetSimilar(ctx context.Context, questions []string) ([]model.SimilarResult, error) {
	results := make([]model.SimilarResult, len(questions))
	for i, q := range questions {
		results[i] = model.SimilarResult{Question: q, Neighbors: []model.Similar{}}
	}
	if len(questions) == 0 || r.index == nil || r.embedder == nil {
		return results, nil
	}

	vecs, err := r.embed(ctx, questions)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.FindNeighbors(ctx, vecs, r.k)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]*model.Answer)
	for i := range results {
		if i >= len(hits) {
			break
		}
		for _, n := range hits[i] {
			a, ok := resolved[n.ID]
			if !ok {
				a, err = r.answers.GetByHash(ctx, n.ID)
				if err != nil {
					return nil, fmt.Errorf("resolve neighbour %s: %w", n.ID, err)
				}
				resolved[n.ID] = a
			}
			if a == nil {
				r.log.Debug("dropping unresolved neighbour", zap.String("datapoint_id", n.ID))
				continue
			}
			results[i].Neighbors = append(results[i].Neighbors, model.Similar{
				Question: a.Question,
				Answer:   a.Answer,
				Distance: n.Distance,
			})
		}
	}
	return results, nil
}

// embed serves what it can from the cache and embeds the rest in one call
func (r *SimilarityRetriever) embed(ctx context.Context, questions []string) ([][]float32, error) {
	hashes := make([]string, len(questions))
	for i, q := range questions {
		hashes[i] = model.HashQuestion(q)
	}

	vecs := make([][]float32, len(questions))
	if r.cache != nil {
		cached, err := r.cache.GetMany(ctx, hashes)
		if err != nil {
			r.log.Warn("embedding cache read failed", zap.Error(err))
		} else {
			vecs = cached
		}
	}

	var missing []int
	var texts []string
	for i, v := range vecs {
		if v == nil {
			missing = append(missing, i)
			texts = append(texts, model.NormalizeQuestion(questions[i]))
		}
	}
	if len(missing) == 0 {
		return vecs, nil
	}

	fresh, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed questions: %w", err)
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d questions", len(fresh), len(missing))
	}

	store := make(map[string][]float32, len(missing))
	for j, i := range missing {
		vecs[i] = fresh[j]
		store[hashes[i]] = fresh[j]
	}
	if r.cache != nil {
		if err := r.cache.SetMany(ctx, store); err != nil {
			r.log.Warn("embedding cache write failed", zap.Error(err))
		}
	}
	return vecs, nil
}
