// Package openai implements the image generator used by the checkpointed
// job runner.
package openai

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// Client implements domain.Generator against the OpenAI images API. Each
// generated image is written to <dir>/product_<key>.png; the file's
// existence is the item's durable artifact.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	size    string
	dir     string
	httpc   *http.Client
}

// NewClient constructs an image generator writing into dir.
func NewClient(apiKey, baseURL, model, size, dir string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key cannot be empty")
	}
	if dir == "" {
		return nil, fmt.Errorf("image directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		size:    size,
		dir:     dir,
		httpc:   &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// promptData is the WorkItem data carrying what to draw.
type promptData struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ImagePath returns the artifact path for an item key.
func (c *Client) ImagePath(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("product_%s.png", key))
}

// AlreadyDone reports whether the item's image survives from a previous
// run.
func (c *Client) AlreadyDone(item domain.WorkItem) bool {
	info, err := os.Stat(c.ImagePath(item.Key))
	return err == nil && info.Size() > 0
}

// Generate creates and stores the item's image. Errors are classified:
// rate limits, server errors, and network failures wrap
// ErrTransientDependency; content-policy rejections and other client
// errors wrap ErrTerminalItem.
func (c *Client) Generate(ctx domain.Context, item domain.WorkItem) error {
	var pd promptData
	if len(item.Data) > 0 {
		if err := json.Unmarshal(item.Data, &pd); err != nil {
			return fmt.Errorf("item %s: bad prompt data: %w: %w", item.Key, domain.ErrTerminalItem, err)
		}
	}
	prompt := buildPrompt(item.Key, pd)

	body, err := json.Marshal(generationRequest{
		Model:          c.model,
		Prompt:         prompt,
		N:              1,
		Size:           c.size,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return fmt.Errorf("marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("item %s: generation request: %w: %w", item.Key, domain.ErrTransientDependency, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("item %s: read generation response: %w: %w", item.Key, domain.ErrTransientDependency, err)
	}

	var out generationResponse
	if err := json.Unmarshal(respBody, &out); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("item %s: decode generation response: %w: %w", item.Key, domain.ErrTransientDependency, err)
	}

	if resp.StatusCode != http.StatusOK {
		return classify(item.Key, resp.StatusCode, out.Error)
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return fmt.Errorf("item %s: empty generation response: %w", item.Key, domain.ErrTransientDependency)
	}

	img, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return fmt.Errorf("item %s: decode image: %w: %w", item.Key, domain.ErrTransientDependency, err)
	}
	return c.save(item.Key, img)
}

// save writes the artifact atomically; a partially written file must never
// pass the AlreadyDone check after a crash.
func (c *Client) save(key string, img []byte) error {
	final := c.ImagePath(key)
	tmp, err := os.CreateTemp(c.dir, "product_*.tmp")
	if err != nil {
		return fmt.Errorf("item %s: temp file: %w: %w", key, domain.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(img); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("item %s: write image: %w: %w", key, domain.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("item %s: close image: %w: %w", key, domain.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("item %s: rename image: %w: %w", key, domain.ErrPersistence, err)
	}
	return nil
}

func classify(key string, status int, apiErr *apiError) error {
	detail := fmt.Sprintf("status %d", status)
	code := ""
	if apiErr != nil {
		detail = fmt.Sprintf("status %d: %s (%s)", status, apiErr.Message, apiErr.Code)
		code = apiErr.Code
	}
	if code == "content_policy_violation" {
		return fmt.Errorf("item %s: %s: %w", key, detail, domain.ErrTerminalItem)
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return fmt.Errorf("item %s: %s: %w", key, detail, domain.ErrTransientDependency)
	}
	return fmt.Errorf("item %s: %s: %w", key, detail, domain.ErrTerminalItem)
}

func buildPrompt(key string, pd promptData) string {
	name := pd.Name
	if name == "" {
		name = key
	}
	prompt := fmt.Sprintf("Professional e-commerce product photo of %s on a clean white background, studio lighting", name)
	if pd.Category != "" {
		prompt += ", " + pd.Category
	}
	if pd.Description != "" {
		prompt += ". " + pd.Description
	}
	return prompt
}
