package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petrijr/stepflow"
)

// httpInvoker forwards agent invocations to an external HTTP endpoint as
// JSON. The endpoint receives the full invocation request and must answer
// with an invocation result body; any non-2xx status is an invocation
// failure and goes through the step's retry policy.
type httpInvoker struct {
	url    string
	client *http.Client
}

var _ stepflow.AgentInvoker = (*httpInvoker)(nil)

func newHTTPInvoker(url string) *httpInvoker {
	return &httpInvoker{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (h *httpInvoker) Invoke(ctx context.Context, req stepflow.InvocationRequest) (*stepflow.InvocationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("flowd: marshal invocation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("flowd: build invocation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flowd: agent call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("flowd: agent returned %d: %s", resp.StatusCode, snippet)
	}

	var result stepflow.InvocationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("flowd: decode agent response: %w", err)
	}
	return &result, nil
}
