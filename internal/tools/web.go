package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebConfig bounds web access.
type WebConfig struct {
	FetchLimit    int64  // max bytes read from a fetched page
	SearchBackend string // search endpoint (SearxNG-compatible JSON API)
}

// RegisterWebTools wires the capped fetch and search tools.
func RegisterWebTools(r *Router, cfg WebConfig) {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 1 << 20
	}
	client := &http.Client{Timeout: 30 * time.Second}
	r.MustRegister(&webFetchTool{cfg: cfg, client: client})
	r.MustRegister(&webSearchTool{cfg: cfg, client: client})
}

type webFetchTool struct {
	cfg    WebConfig
	client *http.Client
}

func (t *webFetchTool) Name() string        { return "web_fetch" }
func (t *webFetchTool) Description() string { return "Fetch a URL and return its body, size-capped." }
func (t *webFetchTool) ParallelSafe() bool  { return true }
func (t *webFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"url": {"type": "string"}},
		"required": ["url"]
	}`)
}

func (t *webFetchTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &Result{Content: "url must be http or https", IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	req.Header.Set("User-Agent", "mira/1.0")
	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.FetchLimit))
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if resp.StatusCode >= 400 {
		return &Result{Content: fmt.Sprintf("status %d: %s", resp.StatusCode, body), IsError: true}, nil
	}
	return &Result{Content: string(body)}, nil
}

type webSearchTool struct {
	cfg    WebConfig
	client *http.Client
}

func (t *webSearchTool) Name() string        { return "web_search" }
func (t *webSearchTool) Description() string { return "Search the web via the configured backend." }
func (t *webSearchTool) ParallelSafe() bool  { return true }
func (t *webSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["query"]
	}`)
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

func (t *webSearchTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if t.cfg.SearchBackend == "" {
		return &Result{Content: "no search backend configured", IsError: true}, nil
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 5
	}

	endpoint := strings.TrimRight(t.cfg.SearchBackend, "/") + "/search?format=json&q=" + url.QueryEscape(params.Query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Result{Content: fmt.Sprintf("search backend status %d", resp.StatusCode), IsError: true}, nil
	}

	var payload struct {
		Results []searchResult `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, t.cfg.FetchLimit)).Decode(&payload); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if len(payload.Results) > params.MaxResults {
		payload.Results = payload.Results[:params.MaxResults]
	}
	out, _ := json.Marshal(payload.Results)
	return &Result{Content: string(out)}, nil
}
