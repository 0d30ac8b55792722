package vector

import (
	"context"
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"google.golang.org/api/option"
)

// Neighbor is one nearest-neighbour hit. ID is the datapoint id, which is the answer hash.
type Neighbor struct {
	ID       string
	Distance float64
}

// Index finds the k nearest datapoints for each query vector
type Index interface {
	FindNeighbors(ctx context.Context, queries [][]float32, k int) ([][]Neighbor, error)
	Close() error
}

// MatchingEngine implements Index on a deployed Vertex AI Vector Search index
type MatchingEngine struct {
	client          *aiplatform.MatchClient
	indexEndpoint   string
	deployedIndexID string
}

// NewMatchingEngine dials the public endpoint domain of a deployed index
func NewMatchingEngine(ctx context.Context, apiEndpoint, indexEndpoint, deployedIndexID string) (*MatchingEngine, error) {
	client, err := aiplatform.NewMatchClient(ctx, option.WithEndpoint(apiEndpoint+":443"))
	if err != nil {
		return nil, fmt.Errorf("create match client: %w", err)
	}
	return &MatchingEngine{
		client:          client,
		indexEndpoint:   indexEndpoint,
		deployedIndexID: deployedIndexID,
	}, nil
}

func (m *MatchingEngine) FindNeighbors(ctx context.Context, queries [][]float32, k int) ([][]Neighbor, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	req := &aiplatformpb.FindNeighborsRequest{
		IndexEndpoint:   m.indexEndpoint,
		DeployedIndexId: m.deployedIndexID,
	}
	for _, q := range queries {
		req.Queries = append(req.Queries, &aiplatformpb.FindNeighborsRequest_Query{
			Datapoint:     &aiplatformpb.IndexDatapoint{FeatureVector: q},
			NeighborCount: int32(k),
		})
	}

	resp, err := m.client.FindNeighbors(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("find neighbors: %w", err)
	}

	out := make([][]Neighbor, len(queries))
	for i, nn := range resp.GetNearestNeighbors() {
		if i >= len(out) {
			break
		}
		for _, n := range nn.GetNeighbors() {
			out[i] = append(out[i], Neighbor{
				ID:       n.GetDatapoint().GetDatapointId(),
				Distance: n.GetDistance(),
			})
		}
	}
	return out, nil
}

func (m *MatchingEngine) Close() error {
	return m.client.Close()
}
