// Package ollama provides an embedding provider using Ollama's local
// models over its native HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/mira/internal/embeddings"
)

// Provider implements embeddings.Provider using Ollama.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Ollama provider.
type Config struct {
	BaseURL string // Default: http://localhost:11434
	Model   string // nomic-embed-text, mxbai-embed-large
}

// New creates a new Ollama embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	return &Provider{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return "ollama" }

// Dimension returns the embedding dimension for the configured model.
func (p *Provider) Dimension() int {
	switch p.model {
	case "mxbai-embed-large":
		return 1024
	case "all-minilm":
		return 384
	default:
		return 768
	}
}

// TruncationPolicy describes the backend's input handling.
func (p *Provider) TruncationPolicy() string {
	return "truncated to the model context window by the ollama server"
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: fmt.Errorf("no embedding returned")}
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request via
// the /api/embed batch endpoint.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindBadInput, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindRateLimited, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindBadInput, Err: fmt.Errorf("status %d: %s", resp.StatusCode, data)}
	case resp.StatusCode != http.StatusOK:
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: fmt.Errorf("status %d: %s", resp.StatusCode, data)}
	}

	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: err}
	}
	if parsed.Error != "" {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport, Err: fmt.Errorf("%s", parsed.Error)}
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, &embeddings.EmbeddingError{Kind: embeddings.KindTransport,
			Err: fmt.Errorf("got %d embeddings for %d inputs", len(parsed.Embeddings), len(texts))}
	}
	return parsed.Embeddings, nil
}
