package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"attendai/internal/capture"
)

// MockDim is the descriptor length returned in Skip mode.
const MockDim = 128

// ErrNoFace is returned by Embed when the image has no detectable face.
var ErrNoFace = errors.New("no face detected in image")

// FaceQuality contains face quality metrics reported by the face service.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
}

// EmbedResult contains the face embedding and detection confidence.
type EmbedResult struct {
	Embedding     []float32
	Score         float64
	FacesDetected int
	Quality       *FaceQuality
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Load checks the face service is reachable and returns the client as the
// frame detector.
func (c *Client) Load(ctx context.Context) (capture.Detector, error) {
	if err := c.Health(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Detect finds a face in a camera frame. It returns nil when the frame has no face.
func (c *Client) Detect(ctx context.Context, frame capture.Frame) (*capture.Detection, error) {
	return c.DetectImage(ctx, frame.Data)
}

// DetectImage sends raw image bytes to /detect.
func (c *Client) DetectImage(ctx context.Context, image []byte) (*capture.Detection, error) {
	if c.Skip {
		if len(image) == 0 {
			return nil, nil
		}
		return &capture.Detection{
			Descriptor: mockDescriptor(),
			Box:        capture.Box{X: 120, Y: 80, Width: 200, Height: 200},
		}, nil
	}

	var out struct {
		FacesDetected int             `json:"faces_detected"`
		Descriptor    []float32       `json:"descriptor"`
		Box           capture.Box     `json:"box"`
		Landmarks     []capture.Point `json:"landmarks"`
	}
	payload := map[string]string{"image": base64.StdEncoding.EncodeToString(image)}
	if err := c.post(ctx, "/detect", payload, &out); err != nil {
		return nil, err
	}
	if out.FacesDetected == 0 || len(out.Descriptor) == 0 {
		return nil, nil
	}
	return &capture.Detection{
		Descriptor: out.Descriptor,
		Box:        out.Box,
		Landmarks:  out.Landmarks,
	}, nil
}

// Embed requests an embedding for an image URL.
func (c *Client) Embed(ctx context.Context, imageURL string) ([]float32, error) {
	result, err := c.EmbedWithScore(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

// EmbedWithScore requests an embedding and returns full result including score.
func (c *Client) EmbedWithScore(ctx context.Context, imageURL string) (*EmbedResult, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}
	if c.Skip {
		return &EmbedResult{
			Embedding:     mockDescriptor(),
			Score:         0.95,
			FacesDetected: 1,
			Quality:       &FaceQuality{Score: 0.85, Blur: 0.1, IsFrontal: true},
		}, nil
	}

	var out struct {
		Embedding     []float32    `json:"embedding"`
		Score         float64      `json:"score"`
		FacesDetected int          `json:"faces_detected"`
		Quality       *FaceQuality `json:"quality"`
	}
	if err := c.post(ctx, "/embed", map[string]string{"image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}

	return &EmbedResult{
		Embedding:     out.Embedding,
		Score:         out.Score,
		FacesDetected: out.FacesDetected,
		Quality:       out.Quality,
	}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func mockDescriptor() []float32 {
	d := make([]float32, MockDim)
	for i := range d {
		d[i] = 0.1
	}
	return d
}
