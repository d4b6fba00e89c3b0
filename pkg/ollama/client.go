// Package ollama implements a detection backend on top of an Ollama vision
// model. It is the fallback for setups without a Grounding DINO server: the
// model is prompted to emit detections as JSON, which is considerably less
// reliable than a dedicated detector, so model output is sanitized and parse
// failures degrade to an empty detection set.
package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/tmarkov/annotator/pkg/types"
)

// DefaultModel is a vision-capable model that fits on CPU-only machines.
const DefaultModel = "llama3.2-vision"

const defaultTimeout = 300 * time.Second // generous, CPU inference is slow

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
}

// NewClient creates a new Ollama client from a server URL, ignoring the
// OLLAMA_HOST environment.
func NewClient(ollamaURL string) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}

	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{client: api.NewClient(baseURL, http.DefaultClient)}, nil
}

// Detect prompts the vision model for bounding boxes of the requested labels.
func (c *Client) Detect(ctx context.Context, model string, req types.DetectionRequest, imgB64 string) ([]types.Detection, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	if len(req.Labels) == 0 {
		return nil, fmt.Errorf("no target labels given")
	}
	if model == "" {
		model = DefaultModel
	}

	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}

	streamFalse := false
	chatReq := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: buildPrompt(req.Labels),
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream: &streamFalse,
		Options: map[string]any{
			"temperature": 0.0, // detections should be deterministic
		},
	}

	var responseContent string
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		responseContent = resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}
	if responseContent == "" {
		return nil, fmt.Errorf("empty response from ollama")
	}

	return parseDetections(responseContent, req), nil
}

// Ping checks that the Ollama server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Heartbeat(ctx)
}

func buildPrompt(labels []string) string {
	return fmt.Sprintf(`You are an object detector.

Find every instance of these objects in the image: %s.

Return JSON only:
{
  "detections": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- All box coordinates are normalized to [0,1] (NOT pixels); x/y is the top-left corner.
- One entry per object instance; the label must be one of the requested objects.
- Confidence is your certainty in [0,1].
- If none of the objects are present, return {"detections": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`,
		strings.Join(labels, ", "))
}

// modelOutput is the JSON shape the prompt asks the model to produce.
type modelOutput struct {
	Detections []struct {
		Label      string              `json:"label"`
		Confidence float64             `json:"confidence"`
		Box        types.NormalizedBox `json:"box"`
	} `json:"detections"`
}

// parseDetections extracts detections from raw model output. Anything the
// model got wrong (broken JSON, out-of-range boxes, labels outside the
// request) is dropped rather than surfaced as an error.
func parseDetections(raw string, req types.DetectionRequest) []types.Detection {
	raw = sanitizeModelJSON(raw)

	if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return []types.Detection{}
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// Conservative brace-slice attempt before giving up
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return []types.Detection{}
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
			return []types.Detection{}
		}
	}

	requested := make(map[string]struct{}, len(req.Labels))
	for _, l := range req.Labels {
		requested[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}

	width, height := req.Width, req.Height
	if width <= 0 || height <= 0 {
		// Without pixel dimensions fall back to a unit square; callers
		// that always set the size never hit this.
		width, height = 1, 1
	}

	detections := make([]types.Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		label := strings.ToLower(strings.TrimSpace(d.Label))
		if label == "" {
			continue
		}
		if _, ok := requested[label]; !ok {
			continue
		}
		if d.Confidence < req.BoxThreshold {
			continue
		}
		box := d.Box.ToPixels(width, height)
		if box.Empty() {
			continue
		}
		detections = append(detections, types.Detection{
			Box:   box,
			Label: label,
			Score: d.Confidence,
		})
	}
	return detections
}

// sanitizeModelJSON removes code fences, comments, and trailing commas from
// model output before parsing.
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	// Remove /* ... */ block comments
	reBlock := regexp.MustCompile(`(?s)/\*.*?\*/`)
	raw = reBlock.ReplaceAllString(raw, "")

	// Remove // line/inline comments
	reLine := regexp.MustCompile(`(?m)^\s*//.*$`)
	raw = reLine.ReplaceAllString(raw, "")
	reInline := regexp.MustCompile(`(?m)//.*$`)
	raw = reInline.ReplaceAllString(raw, "")

	// Remove trailing commas before } or ]
	reTrailing := regexp.MustCompile(`,(\s*[}\]])`)
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
