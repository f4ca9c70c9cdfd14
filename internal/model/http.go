package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/technosupport/ts-fts/internal/config"
)

// httpEngines talk to a local inference daemon over HTTP+JSON: JPEG bytes in,
// boxes or vectors out. Deployments that run the GPU stack out-of-process use
// this backend.
type inferenceClient struct {
	baseURL string
	http    *http.Client
	dim     int
}

func newHTTPEngines(cfg config.ModelsConfig) (Detector, Embedder, error) {
	c := &inferenceClient{
		baseURL: cfg.HTTPEndpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		dim: cfg.EmbeddingDim,
	}
	// Fail Load, not the first frame, when the daemon is down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("inference daemon %s: %v", cfg.HTTPEndpoint, err)
	}
	return c, c, nil
}

func (c *inferenceClient) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("healthz status %d", resp.StatusCode)
	}
	return nil
}

func (c *inferenceClient) post(ctx context.Context, path string, jpegBytes []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jpegBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b := make([]byte, 512)
		n, _ := resp.Body.Read(b)
		return fmt.Errorf("inference error: status=%d, body=%s", resp.StatusCode, b[:n])
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type detectResponse struct {
	Boxes []struct {
		X          int     `json:"x"`
		Y          int     `json:"y"`
		W          int     `json:"w"`
		H          int     `json:"h"`
		Confidence float64 `json:"confidence"`
	} `json:"boxes"`
}

func (c *inferenceClient) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	jpegBytes, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	var resp detectResponse
	if err := c.post(ctx, "/v1/detect", jpegBytes, &resp); err != nil {
		return nil, err
	}
	out := make([]Detection, 0, len(resp.Boxes))
	for _, b := range resp.Boxes {
		out = append(out, Detection{X: b.X, Y: b.Y, W: b.W, H: b.H, Confidence: b.Confidence})
	}
	return out, nil
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func (c *inferenceClient) Embed(ctx context.Context, img image.Image, boxes []Detection) ([][]float32, error) {
	out := make([][]float32, 0, len(boxes))
	for _, box := range boxes {
		crop := cropBox(img, box)
		jpegBytes, err := encodeJPEG(crop)
		if err != nil {
			return nil, err
		}
		var resp embedResponse
		if err := c.post(ctx, "/v1/embed", jpegBytes, &resp); err != nil {
			return nil, err
		}
		if len(resp.Vectors) != 1 || len(resp.Vectors[0]) != c.dim {
			return nil, fmt.Errorf("embedder returned unexpected shape for %d-dim embedding", c.dim)
		}
		out = append(out, resp.Vectors[0])
	}
	return out, nil
}
