// Package gemini provides an embedding provider using Google's Gemini
// embedding models via the Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/mira/internal/embeddings"
)

// Provider implements embeddings.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey string
	Model  string // Default: gemini-embedding-001
}

// New creates a new Gemini embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Provider{client: client, model: cfg.Model}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return "gemini" }

// Dimension returns the embedding dimension for the configured model.
func (p *Provider) Dimension() int { return 768 }

// TruncationPolicy describes the backend's input handling.
func (p *Provider) TruncationPolicy() string {
	return "first 2048 tokens per input, truncated by the backend"
}

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: errors.New("no embedding returned")}
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	dim := int32(p.Dimension())
	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport,
			Err: fmt.Errorf("got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))}
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func wrapError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota"):
		return &embeddings.EmbeddingError{Kind: embeddings.KindRateLimited, Err: err}
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid_argument"):
		return &embeddings.EmbeddingError{Kind: embeddings.KindBadInput, Err: err}
	default:
		return &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: err}
	}
}
