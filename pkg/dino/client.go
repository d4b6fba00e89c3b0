// Package dino talks to a Grounding DINO inference server over HTTP. The
// server wraps the pretrained model as a black box: it accepts an image plus
// a list of free-text object names and returns scored bounding boxes.
package dino

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tmarkov/annotator/pkg/types"
)

// DefaultModel is the model identifier the inference server loads when none
// is requested explicitly.
const DefaultModel = "IDEA-Research/grounding-dino-tiny"

const defaultTimeout = 120 * time.Second

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type detectRequest struct {
	Model         string   `json:"model,omitempty"`
	Image         string   `json:"image"`
	Labels        []string `json:"labels"`
	BoxThreshold  float64  `json:"box_threshold"`
	TextThreshold float64  `json:"text_threshold"`
}

type detectResponse struct {
	Detections []detectionPayload `json:"detections"`
}

type detectionPayload struct {
	// Box is [x1, y1, x2, y2] in pixels of the submitted image.
	Box   [4]float64 `json:"box"`
	Label string     `json:"label"`
	Score float64    `json:"score"`
}

func NewClient(serverURL string) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8765"
	}

	return &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}, nil
}

// Detect runs zero-shot detection on a base64-encoded image. An image in
// which none of the requested objects appear returns an empty slice.
func (c *Client) Detect(ctx context.Context, model string, req types.DetectionRequest, imgB64 string) ([]types.Detection, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	if len(req.Labels) == 0 {
		return nil, fmt.Errorf("no target labels given")
	}

	payload := detectRequest{
		Model:         model,
		Image:         imgB64,
		Labels:        req.Labels,
		BoxThreshold:  req.BoxThreshold,
		TextThreshold: req.TextThreshold,
	}

	respBody, err := c.sendRequest(ctx, "/detect", payload)
	if err != nil {
		return nil, fmt.Errorf("detect request failed: %w", err)
	}

	var resp detectResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse detect response: %w", err)
	}

	detections := make([]types.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		detections = append(detections, types.Detection{
			Box:   types.Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			Label: d.Label,
			Score: d.Score,
		})
	}
	return detections, nil
}

// Ping checks that the inference server is up and has a model loaded.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference server unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
