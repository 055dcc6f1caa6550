// Package ollama implements the embedding enricher against an Ollama
// server.
package ollama

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// Client implements domain.Enricher using the Ollama embeddings API.
type Client struct {
	baseURL string
	model   string
	httpc   *http.Client
}

// NewClient constructs an Ollama enricher.
func NewClient(baseURL, model string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL cannot be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("ollama model cannot be empty")
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type embeddingsRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
}

type embeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedText returns the text embedding for the given input.
func (c *Client) EmbedText(ctx domain.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty embedding input: %w", domain.ErrValidation)
	}
	return c.embed(ctx, embeddingsRequest{Model: c.model, Prompt: text})
}

// EmbedImage returns the embedding for an image on local disk.
func (c *Client) EmbedImage(ctx domain.Context, imagePath string) ([]float32, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("image %s missing: %w", imagePath, domain.ErrValidation)
		}
		return nil, fmt.Errorf("read image %s: %w: %w", imagePath, domain.ErrTransientDependency, err)
	}
	return c.embed(ctx, embeddingsRequest{
		Model:  c.model,
		Images: []string{base64.StdEncoding.EncodeToString(data)},
	})
}

func (c *Client) embed(ctx domain.Context, reqBody embeddingsRequest) ([]float32, error) {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w: %w", domain.ErrTransientDependency, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w: %w", domain.ErrTransientDependency, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var out embeddingsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w: %w", domain.ErrTransientDependency, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding: %w", domain.ErrTransientDependency)
	}
	return out.Embedding, nil
}

// classifyStatus maps HTTP failures onto the pipeline taxonomy: overload
// and server errors clear with time, other client errors never will.
func classifyStatus(status int, body string) error {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return fmt.Errorf("ollama status %d: %s: %w", status, body, domain.ErrTransientDependency)
	}
	return fmt.Errorf("ollama status %d: %s: %w", status, body, domain.ErrValidation)
}
