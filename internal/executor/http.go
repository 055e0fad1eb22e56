package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aivalabs/aiva-bridge/internal/mgmt"
)

// Defaults for api-type function specs that leave them unset.
const (
	defaultHTTPTimeout = 30 * time.Second
	defaultHTTPRetries = 2
)

// NewHTTPHandler builds a Handler from an api-type function spec: the call
// arguments become the JSON request body, the configured headers are applied,
// and non-2xx outcomes surface as errors. Transport failures are retried with
// exponential backoff.
func NewHTTPHandler(spec mgmt.FunctionSpec) Handler {
	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := defaultHTTPTimeout
	if spec.TimeoutMS > 0 {
		timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	retries := defaultHTTPRetries
	if spec.Retries != nil {
		retries = *spec.Retries
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, args map[string]any, _ Context) Result {
		body, err := json.Marshal(args)
		if err != nil {
			return Result{Error: fmt.Sprintf("encode arguments: %v", err)}
		}

		var lastErr error
		for attempt := 0; attempt <= retries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff(attempt - 1)):
				case <-ctx.Done():
					return Result{Error: fmt.Sprintf("cancelled: %v", ctx.Err())}
				}
			}

			data, err := doRequest(ctx, client, method, spec, body)
			if err == nil {
				return Result{Data: data}
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		return Result{Error: lastErr.Error()}
	}
}

// doRequest performs one attempt and decodes a 2xx body.
func doRequest(ctx context.Context, client *http.Client, method string, spec mgmt.FunctionSpec, body []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, method, spec.APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", spec.Name, resp.StatusCode, snippet)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		// Non-JSON bodies are passed through as text.
		return string(raw), nil
	}
	return data, nil
}
