package sensor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// FaceClient calls the face detection microservice. The remote model is
// checked once through /health before the first detection; a failed check
// is remembered so every later call reports ErrModelUnavailable.
type FaceClient struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	mu      sync.Mutex
	loaded  bool
	loadErr error
}

// NewFaceClient creates a client. With skip set every frame yields one
// centered face and no request is made.
func NewFaceClient(baseURL string, skip bool) *FaceClient {
	return &FaceClient{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

type detectResponse struct {
	Faces []model.FaceDetection `json:"faces"`
}

// DetectFaces returns the faces found in an encoded frame.
func (c *FaceClient) DetectFaces(ctx context.Context, frame []byte) ([]model.FaceDetection, error) {
	if c.Skip {
		return []model.FaceDetection{skipFace()}, nil
	}
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(frame)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("face service: %w", proctor.ErrModelUnavailable)
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Faces, nil
}

// Health checks if the face service is available.
func (c *FaceClient) Health(ctx context.Context) error {
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

func (c *FaceClient) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	if c.loadErr != nil {
		return c.loadErr
	}

	err := c.Health(ctx)
	if err == nil {
		c.loaded = true
		return nil
	}
	// A cancelled caller says nothing about the model.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.loadErr = fmt.Errorf("%w: %v", proctor.ErrModelUnavailable, err)
	return c.loadErr
}

func skipFace() model.FaceDetection {
	return model.FaceDetection{
		Box: model.BoundingBox{X: 120, Y: 80, Width: 200, Height: 200},
		Landmarks: model.FaceLandmarks{
			LeftEye:  model.Point{X: 180, Y: 150},
			RightEye: model.Point{X: 260, Y: 150},
			Nose:     model.Point{X: 220, Y: 190},
		},
		Confidence: 0.95,
	}
}
