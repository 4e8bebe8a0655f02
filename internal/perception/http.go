package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peerlink/safety/internal/models"
)

const defaultTimeout = 2 * time.Second

// HTTPModel calls an inference server. Load probes GET <endpoint>/health; Analyze POSTs the
// frame as PNG to <endpoint>/analyze and expects {"detections": [...]}.
type HTTPModel struct {
	name     string
	kind     Kind
	endpoint string
	client   *http.Client
	loaded   atomic.Bool
}

// NewHTTPModel creates a model client. A nil client gets a 2 s timeout.
func NewHTTPModel(name string, kind Kind, endpoint string, client *http.Client) *HTTPModel {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPModel{
		name:     name,
		kind:     kind,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

func (m *HTTPModel) Name() string { return m.name }
func (m *HTTPModel) Kind() Kind   { return m.kind }

// Load checks that the inference server is reachable and ready.
func (m *HTTPModel) Load(ctx context.Context) error {
	if m.endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured", ErrModelLoad)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrModelLoad, resp.StatusCode)
	}
	m.loaded.Store(true)
	return nil
}

type analyzeResponse struct {
	Detections []Detection `json:"detections"`
}

// Analyze runs inference on one frame.
func (m *HTTPModel) Analyze(ctx context.Context, frame *models.Frame) ([]Detection, error) {
	if !m.loaded.Load() {
		return nil, fmt.Errorf("%s: not loaded", m.name)
	}
	body, err := EncodePNG(frame)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyze status: %d", resp.StatusCode)
	}
	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Detections, nil
}

// EncodePNG encodes an RGBA frame as PNG.
func EncodePNG(frame *models.Frame) ([]byte, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 || len(frame.Pix) < frame.Width*frame.Height*4 {
		return nil, fmt.Errorf("invalid frame")
	}
	img := &image.RGBA{
		Pix:    frame.Pix[:frame.Width*frame.Height*4],
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
