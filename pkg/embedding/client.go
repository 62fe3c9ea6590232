// Package embedding provides a client for the Jina AI embeddings API.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/esg-worker/internal/resilience"
)

// Client defines the embedding operations used by the retriever.
type Client interface {
	// Embed converts texts into fixed-dimension vectors, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the configured output dimension.
	Dimension() int
}

// embedRequest is the Jina embeddings API request body.
type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// embedResponse is the parsed Jina embeddings API response.
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Option configures the embedding client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey    string
	baseURL   string
	model     string
	dimension int
	http      *http.Client
}

// NewClient creates a new embeddings client. dimension must match the
// dimension of the vectors already stored in the passage store — that is a
// deployment precondition, not something the client can recover from.
func NewClient(apiKey, model string, dimension int, opts ...Option) Client {
	c := &httpClient{
		apiKey:    apiKey,
		baseURL:   "https://api.jina.ai/v1",
		model:     model,
		dimension: dimension,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Dimension() int {
	return c.dimension
}

func (c *httpClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{
		Model:      c.model,
		Input:      texts,
		Dimensions: c.dimension,
	})
	if err != nil {
		return nil, eris.Wrap(err, "embedding: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "embedding: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	respBody, status, err := c.do(ctx, req, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		err := eris.Errorf("embedding: status %d: %s", status, truncate(respBody, 200))
		if resilience.IsTransientHTTPStatus(status) {
			return nil, resilience.NewTransientError(err, status)
		}
		return nil, err
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, eris.Wrap(err, "embedding: parse response")
	}
	if len(parsed.Data) != len(texts) {
		return nil, eris.Errorf("embedding: expected %d vectors, got %d", len(texts), len(parsed.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, eris.Errorf("embedding: out-of-range index %d in response", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) != c.dimension {
			return nil, eris.Errorf("embedding: vector %d has dimension %d, configured %d", i, len(v), c.dimension)
		}
	}
	return vectors, nil
}

// do executes the request once; transport errors are wrapped as transient so
// the caller's retry policy applies. The request body is re-supplied on each
// call because callers may retry.
func (c *httpClient) do(ctx context.Context, req *http.Request, body []byte) ([]byte, int, error) {
	req = req.Clone(ctx)
	req.Body = io.NopCloser(bytes.NewReader(body))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, resilience.NewTransientError(eris.Wrap(err, "embedding: request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, resilience.NewTransientError(eris.Wrap(err, "embedding: read response"), 0)
	}
	return respBody, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
