package dino

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkov/annotator/pkg/types"
)

func TestDetect(t *testing.T) {
	var gotReq detectRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := detectResponse{
			Detections: []detectionPayload{
				{Box: [4]float64{10, 20, 110, 220}, Label: "dog", Score: 0.82},
				{Box: [4]float64{300, 40, 360, 120}, Label: "cat", Score: 0.41},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	req := types.DetectionRequest{
		Labels:        []string{"dog", "cat"},
		BoxThreshold:  0.35,
		TextThreshold: 0.25,
	}
	detections, err := client.Detect(context.Background(), DefaultModel, req, "aW1hZ2U=")
	require.NoError(t, err)

	assert.Equal(t, []string{"dog", "cat"}, gotReq.Labels)
	assert.Equal(t, 0.35, gotReq.BoxThreshold)
	assert.Equal(t, "aW1hZ2U=", gotReq.Image)

	require.Len(t, detections, 2)
	assert.Equal(t, "dog", detections[0].Label)
	assert.Equal(t, types.Box{X1: 10, Y1: 20, X2: 110, Y2: 220}, detections[0].Box)
	assert.InDelta(t, 0.82, detections[0].Score, 1e-9)
}

func TestDetectEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detectResponse{})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	detections, err := client.Detect(context.Background(), "", types.DetectionRequest{Labels: []string{"dog"}}, "aW1hZ2U=")
	require.NoError(t, err)
	assert.Empty(t, detections)
	assert.NotNil(t, detections, "zero detections is an empty set, not an error")
}

func TestDetectNoLabels(t *testing.T) {
	client, err := NewClient("http://localhost:1")
	require.NoError(t, err)

	_, err = client.Detect(context.Background(), "", types.DetectionRequest{}, "aW1hZ2U=")
	assert.Error(t, err)
}

func TestDetectServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model failed to load", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.Detect(context.Background(), "", types.DetectionRequest{Labels: []string{"dog"}}, "aW1hZ2U=")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestPing(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	assert.NoError(t, client.Ping(context.Background()))

	healthy = false
	assert.Error(t, client.Ping(context.Background()))
}
