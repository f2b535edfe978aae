package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

type predictRequest struct {
	Instances [][][][3]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error"`
}

// Remote calls a TensorFlow Serving style REST endpoint: POST {base}/v1/models/{name}:predict.
type Remote struct {
	url    string
	client *http.Client
}

func NewRemote(baseURL, model string, timeout time.Duration) *Remote {
	return &Remote{
		url:    strings.TrimRight(baseURL, "/") + "/v1/models/" + model + ":predict",
		client: &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Classify(ctx context.Context, img image.Image) (Prediction, error) {
	body, err := json.Marshal(predictRequest{Instances: [][][][3]float32{Tensor(img)}})
	if err != nil {
		return Prediction{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Prediction{}, fmt.Errorf("predict failed: %s; body: %s", resp.Status, string(b))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("decoding predict response: %w", err)
	}
	if out.Error != "" {
		return Prediction{}, fmt.Errorf("predict failed: %s", out.Error)
	}
	if len(out.Predictions) == 0 || len(out.Predictions[0]) == 0 {
		return Prediction{}, fmt.Errorf("predict response has no scores")
	}

	idx, score := top(out.Predictions[0])
	score = math.Max(0, math.Min(1, score))
	return Prediction{Label: labelFor(idx), Confidence: score}, nil
}
