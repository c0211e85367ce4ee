// Package qdrant mirrors episodic memory into a Qdrant collection so
// episodes can be searched by vector similarity. The mirror is best effort;
// the JSONL store stays authoritative.
package qdrant

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/helmsman-ai/helmsman/pkg/memory"
)

// Embedder turns an episode summary into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store mirrors episodes into one Qdrant collection.
type Store struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	embedder    Embedder
}

// New connects to a Qdrant gRPC endpoint.
func New(addr, collection string, embedder Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Store{
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		embedder:    embedder,
	}, nil
}

// EnsureCollection creates the collection if missing.
func (s *Store) EnsureCollection(ctx context.Context, vectorSize uint64) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	return nil
}

// MirrorEpisode implements memory.Mirror.
func (s *Store) MirrorEpisode(ctx context.Context, episode memory.Episode) error {
	vector, err := s.embedder.Embed(ctx, episode.Summary)
	if err != nil {
		return fmt.Errorf("embed episode: %w", err)
	}
	payload := map[string]*pb.Value{
		"run_id": {Kind: &pb.Value_StringValue{StringValue: episode.RunID}},
		"kind":   {Kind: &pb.Value_StringValue{StringValue: episode.Kind}},
		"hash":   {Kind: &pb.Value_StringValue{StringValue: episode.Hash}},
		"ts_utc": {Kind: &pb.Value_StringValue{StringValue: episode.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00")}},
	}
	if episode.Summary != "" {
		payload["summary"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: episode.Summary}}
	}

	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Points: []*pb.PointStruct{{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: episode.EpisodeID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

// SimilarEpisode is one vector-search hit.
type SimilarEpisode struct {
	EpisodeID string
	RunID     string
	Summary   string
	Score     float32
}

// Similar returns the episodes closest to the query text.
func (s *Store) Similar(ctx context.Context, query string, limit int) ([]SimilarEpisode, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	out := make([]SimilarEpisode, 0, len(resp.Result))
	for _, hit := range resp.Result {
		item := SimilarEpisode{Score: hit.Score, EpisodeID: hit.Id.GetUuid()}
		if v, ok := hit.Payload["run_id"]; ok {
			item.RunID = v.GetStringValue()
		}
		if v, ok := hit.Payload["summary"]; ok {
			item.Summary = v.GetStringValue()
		}
		out = append(out, item)
	}
	return out, nil
}

var _ memory.Mirror = (*Store)(nil)
