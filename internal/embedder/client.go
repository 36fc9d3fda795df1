// Package embedder talks to the embedding service that turns observation
// crops into named, L2-normalized vectors.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

const defaultURL = "http://localhost:8000"

// normTolerance bounds how far a returned vector's L2 norm may drift
// from 1.0 before it is rejected as a provider contract violation.
const normTolerance = 1e-3

// Client computes embeddings through the embedding server's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// embedResponse is the embedding server's answer for one crop.
type embedResponse struct {
	SchemeVersion string               `json:"scheme_version"`
	Dim           int                  `json:"dim"`
	Embeddings    map[string][]float32 `json:"embeddings"`
	Model         string               `json:"model"`
}

// Extract uploads a crop and returns the named vectors for the scheme.
// Server-side and transport failures are retryable; a response that
// violates the provider contract (missing or unnormalized vectors) is not.
func (c *Client) Extract(ctx context.Context, crop []byte, scheme string) (*store.EmbeddingSet, error) {
	body, err := c.postMultipartImage(ctx, "/embed/"+scheme, crop)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding server returned no vectors for scheme %s", scheme)
	}

	for name, vec := range resp.Embeddings {
		if len(vec) == 0 {
			return nil, fmt.Errorf("embedding %q is empty", name)
		}
		if err := checkNormalized(vec); err != nil {
			return nil, fmt.Errorf("embedding %q: %w", name, err)
		}
	}

	version := resp.SchemeVersion
	if version == "" {
		version = scheme
	}
	return &store.EmbeddingSet{
		SchemeVersion: version,
		Vectors:       resp.Embeddings,
	}, nil
}

func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="crop.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %v: %w", err, store.ErrUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %v: %w", err, store.ErrUnavailable)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("embedding server error (status %d): %s: %w",
			resp.StatusCode, string(body), store.ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding rejected (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func checkNormalized(vec []float32) error {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1.0) > normTolerance {
		return fmt.Errorf("vector not L2-normalized (norm %v)", norm)
	}
	return nil
}

// detectMIMEType detects the MIME type from image magic bytes.
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// WebP: 52 49 46 46 ... 57 45 42 50
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	return "application/octet-stream"
}
