package vector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Embedder turns texts into vectors, one per input, in input order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedFunc embeds one provider-sized batch
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Batched splits texts into batches of at most size, embeds every batch concurrently
// and flattens the results back into input order.
func Batched(ctx context.Context, texts []string, size int, embed EmbedFunc) ([][]float32, error) {
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += size {
		start, end := start, min(start+size, len(texts))
		g.Go(func() error {
			vecs, err := embed(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding batch [%d:%d] returned %d vectors", start, end, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GenAIEmbedder embeds with a genai embedding model
type GenAIEmbedder struct {
	client    *genai.Client
	model     string
	batchSize int
	taskType  string
	limiter   *rate.Limiter
}

// NewGenAIEmbedder creates an embedder. taskType is the genai task type, e.g.
// RETRIEVAL_QUERY for lookups and RETRIEVAL_DOCUMENT for index ingestion.
func NewGenAIEmbedder(client *genai.Client, model string, batchSize int, taskType string, limiter *rate.Limiter) *GenAIEmbedder {
	return &GenAIEmbedder{
		client:    client,
		model:     model,
		batchSize: batchSize,
		taskType:  taskType,
		limiter:   limiter,
	}
}

func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return Batched(ctx, texts, e.batchSize, e.embedBatch)
}

func (e *GenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}, Role: "user"}
	}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{TaskType: e.taskType})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	vecs := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}
