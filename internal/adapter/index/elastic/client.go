// Package elastic implements the search index port on Elasticsearch.
//
// All writes are upserts keyed by product id, so redelivered records
// converge to the same index state instead of duplicating documents.
package elastic

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// Client implements domain.Indexer on an Elasticsearch cluster.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// NewClient constructs an Elasticsearch-backed indexer.
func NewClient(addresses []string, username, password, index string) (*Client, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no elasticsearch addresses provided")
	}
	if index == "" {
		return nil, fmt.Errorf("index name cannot be empty")
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	return &Client{es: es, index: index}, nil
}

// UpsertProduct writes the full product document under its id. A repeat of
// the same write replaces the document with identical content.
func (c *Client) UpsertProduct(ctx domain.Context, doc domain.ProductDocument) error {
	var b strings.Builder
	if err := json.NewEncoder(&b).Encode(doc); err != nil {
		return fmt.Errorf("encode product %s: %w", doc.ID, err)
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: doc.ID,
		Body:       strings.NewReader(b.String()),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("index product %s: %w: %w", doc.ID, domain.ErrTransientDependency, err)
	}
	defer closeBody(res.Body)

	if res.IsError() {
		return classifyResponse("index product "+doc.ID, res)
	}
	slog.Debug("product indexed", slog.String("id", doc.ID), slog.String("index", c.index))
	return nil
}

// UpsertImageEmbedding attaches an image embedding to an existing product
// document via a partial update; the document is created if the image
// record arrived before its product.
func (c *Client) UpsertImageEmbedding(ctx domain.Context, productID string, embedding []float32) error {
	body := map[string]any{
		"doc": map[string]any{
			"image_embedding": embedding,
		},
		"doc_as_upsert": true,
	}
	var b strings.Builder
	if err := json.NewEncoder(&b).Encode(body); err != nil {
		return fmt.Errorf("encode image embedding %s: %w", productID, err)
	}

	req := esapi.UpdateRequest{
		Index:      c.index,
		DocumentID: productID,
		Body:       strings.NewReader(b.String()),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("update image embedding %s: %w: %w", productID, domain.ErrTransientDependency, err)
	}
	defer closeBody(res.Body)

	if res.IsError() {
		return classifyResponse("update image embedding "+productID, res)
	}
	slog.Debug("image embedding upserted", slog.String("product_id", productID))
	return nil
}

// classifyResponse maps an ES error response onto the pipeline taxonomy:
// mapping/parse rejections are validation failures (retrying cannot help),
// everything else is transient.
func classifyResponse(op string, res *esapi.Response) error {
	var respBody map[string]any
	detail := res.Status()
	if err := json.NewDecoder(res.Body).Decode(&respBody); err == nil {
		if e, ok := respBody["error"]; ok {
			detail = fmt.Sprintf("%s: %v", res.Status(), e)
		}
	}
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != 408 && res.StatusCode != 429 {
		return fmt.Errorf("%s: %s: %w", op, detail, domain.ErrValidation)
	}
	return fmt.Errorf("%s: %s: %w", op, detail, domain.ErrTransientDependency)
}

func closeBody(body io.ReadCloser) {
	_ = body.Close()
}
