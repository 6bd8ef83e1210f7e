package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ppe-monitor/internal/models"
)

// ErrInference marks every failure of the inference call: transport errors,
// timeouts, non-2xx statuses and error bodies alike.
var ErrInference = errors.New("inference failed")

const processPath = "/process"

type Client struct {
	URL  string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		URL:  strings.TrimRight(baseURL, "/") + processPath,
		http: &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	Frame string `json:"frame"`
}

type processResponse struct {
	AnnotatedFrame string   `json:"annotated_frame"`
	Violation      bool     `json:"violation"`
	Labels         []string `json:"violation_labels"`
	Error          string   `json:"error"`
}

// Infer sends a base64 frame and returns the raw detection result. Labels are
// returned as the service sent them.
func (c *Client) Infer(ctx context.Context, frame string) (models.InferenceResult, error) {
	body, err := json.Marshal(processRequest{Frame: frame})
	if err != nil {
		return models.InferenceResult{}, fmt.Errorf("%w: encode request: %v", ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return models.InferenceResult{}, fmt.Errorf("%w: create request: %v", ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.InferenceResult{}, fmt.Errorf("%w: http request: %v", ErrInference, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.InferenceResult{}, fmt.Errorf("%w: read response: %v", ErrInference, err)
	}

	var out processResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && out.Error != "" {
			return models.InferenceResult{}, fmt.Errorf("%w: bad status %s: %s", ErrInference, resp.Status, out.Error)
		}
		return models.InferenceResult{}, fmt.Errorf("%w: bad status %s: %s", ErrInference, resp.Status, truncate(raw, 256))
	}
	if decodeErr != nil {
		return models.InferenceResult{}, fmt.Errorf("%w: decode response: %v", ErrInference, decodeErr)
	}
	if out.Error != "" {
		return models.InferenceResult{}, fmt.Errorf("%w: %s", ErrInference, out.Error)
	}

	return models.InferenceResult{
		AnnotatedFrame:    out.AnnotatedFrame,
		ViolationDetected: out.Violation,
		Labels:            out.Labels,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
