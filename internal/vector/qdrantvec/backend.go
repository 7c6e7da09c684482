// Package qdrantvec provides a Qdrant-backed vector backend. Each head
// maps to its own collection prefixed with "mira_".
package qdrantvec

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/haasonsaas/mira/internal/vector"
)

const collectionPrefix = "mira_"

// Backend implements vector.Backend against a Qdrant instance. The Go
// client speaks Qdrant's gRPC API, which listens on port 6334 by default.
type Backend struct {
	client *qdrant.Client
}

// New connects to the Qdrant endpoint in dsn. An API key may be passed
// as a query parameter or via apiKey.
func New(dsn, apiKey string) (*Backend, error) {
	parsedURL, err := url.Parse(dsn)
	if err != nil {
		return nil, &vector.VectorError{Kind: vector.KindBackend, Op: "open", Err: err}
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsedURL.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, &vector.VectorError{Kind: vector.KindBackend, Op: "open", Err: err}
		}
	}
	config := &qdrant.Config{Host: host, Port: port}
	if parsedURL.Scheme == "https" {
		config.UseTLS = true
	}
	if apiKey == "" {
		apiKey = parsedURL.Query().Get("api_key")
	}
	if apiKey != "" {
		config.APIKey = apiKey
	}

	client, err := qdrant.NewClient(config)
	if err != nil {
		return nil, &vector.VectorError{Kind: vector.KindUnavailable, Op: "open", Err: err}
	}
	return &Backend{client: client}, nil
}

func collectionName(head string) string { return collectionPrefix + head }

// EnsureCollection creates the head's collection with cosine distance.
func (b *Backend) EnsureCollection(ctx context.Context, name string, dim int) error {
	coll := collectionName(name)
	exists, err := b.client.CollectionExists(ctx, coll)
	if err != nil {
		return &vector.VectorError{Kind: vector.KindUnavailable, Op: "ensure collection", Err: err}
	}
	if exists {
		return nil
	}
	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: coll,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "ensure collection", Err: err}
	}
	return nil
}

// Upsert stores points with their recall payload.
func (b *Backend) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := map[string]any{
			"entry_id":   p.EntryID,
			"session_id": p.SessionID,
			"content":    p.Content,
			"salience":   p.Salience,
			"timestamp":  p.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if len(p.Tags) > 0 {
			payload["tags"] = strings.Join(p.Tags, ",")
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collectionName(collection),
		Points:         qpoints,
	})
	if err != nil {
		return &vector.VectorError{Kind: vector.KindUnavailable, Op: "upsert", Err: err}
	}
	return nil
}

// Query runs a session-filtered nearest-neighbour search.
func (b *Backend) Query(ctx context.Context, collection, sessionID string, vec []float32, k int) ([]vector.Hit, error) {
	query := make([]float32, len(vec))
	copy(query, vec)
	limit := uint64(k)
	results, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collectionName(collection),
		Query:          qdrant.NewQueryDense(query),
		Limit:          &limit,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("session_id", sessionID)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, &vector.VectorError{Kind: vector.KindUnavailable, Op: "query", Err: err}
	}

	hits := make([]vector.Hit, 0, len(results))
	for _, r := range results {
		p := vector.Point{ID: r.Id.GetUuid(), SessionID: sessionID}
		if r.Payload != nil {
			if v, ok := r.Payload["entry_id"]; ok {
				p.EntryID = v.GetIntegerValue()
			}
			if v, ok := r.Payload["content"]; ok {
				p.Content = v.GetStringValue()
			}
			if v, ok := r.Payload["salience"]; ok {
				p.Salience = v.GetDoubleValue()
			}
			if v, ok := r.Payload["timestamp"]; ok {
				if ts, err := time.Parse(time.RFC3339Nano, v.GetStringValue()); err == nil {
					p.Timestamp = ts
				}
			}
			if v, ok := r.Payload["tags"]; ok && v.GetStringValue() != "" {
				p.Tags = strings.Split(v.GetStringValue(), ",")
			}
		}
		hits = append(hits, vector.Hit{Point: p, Score: r.Score})
	}
	return hits, nil
}

// Scroll pages through every point id in a collection.
func (b *Backend) Scroll(ctx context.Context, collection string) ([]string, error) {
	var ids []string
	var offset *qdrant.PointId
	for {
		limit := uint32(256)
		points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collectionName(collection),
			Limit:          &limit,
			Offset:         offset,
		})
		if err != nil {
			return nil, &vector.VectorError{Kind: vector.KindUnavailable, Op: "scroll", Err: err}
		}
		if len(points) == 0 {
			return ids, nil
		}
		for _, p := range points {
			ids = append(ids, p.Id.GetUuid())
		}
		if len(points) < int(limit) {
			return ids, nil
		}
		offset = points[len(points)-1].Id
	}
}

// Delete removes one point by id.
func (b *Backend) Delete(ctx context.Context, collection, pointID string) error {
	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collectionName(collection),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID)),
	})
	if err != nil {
		return &vector.VectorError{Kind: vector.KindUnavailable, Op: "delete", Err: fmt.Errorf("delete %s: %w", pointID, err)}
	}
	return nil
}

// Close releases the gRPC connection.
func (b *Backend) Close() error { return b.client.Close() }
