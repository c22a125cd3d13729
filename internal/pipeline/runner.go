package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRunner submits whole plans to an external distributed task
// runner. The runner expresses the same sequencing contract
// declaratively: chain stages run in order, group stages fan out after
// the chain completes.
type HTTPRunner struct {
	baseURL string
	http    *http.Client
}

func NewHTTPRunner(baseURL string, timeout time.Duration) *HTTPRunner {
	return &HTTPRunner{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRunner) Submit(ctx context.Context, plan Plan) (string, error) {
	body, err := json.Marshal(map[string]any{
		"chain": plan.Chain,
		"group": plan.FanOut,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/compose", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("runner submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("runner submit: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("runner submit: decode response: %w", err)
	}
	return out.TaskID, nil
}
