// Package client calls remote gateways and the storage service over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

type base struct {
	baseURL    string
	httpClient *http.Client
}

func (b base) post(ctx context.Context, path string, in any) (types.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return types.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(b.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return types.Response{}, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Response{}, fmt.Errorf("%w: status %d: %s", types.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out types.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Response{}, fmt.Errorf("%w: status %d, bad response: %v", types.ErrUpstreamUnavailable, resp.StatusCode, err)
	}
	return out, nil
}

// GatewayClient is a remote analysis gateway
type GatewayClient struct {
	base
	kind types.BackendKind
}

func NewGatewayClient(baseURL string, kind types.BackendKind, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayClient{
		base: base{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}},
		kind: kind,
	}
}

func (c *GatewayClient) Kind() types.BackendKind {
	return c.kind
}

// Receive calls AnalyzeFace or AnalyzeAgeGender on the remote gateway.
// Transport failures come back as a failed Response.
func (c *GatewayClient) Receive(ctx context.Context, imageID string, data []byte) types.Response {
	resp, err := c.post(ctx, "/v1/analyze/"+string(c.kind), types.SubmitRequest{ImageID: imageID, ImageData: data})
	if err != nil {
		return types.Fail(err)
	}
	return resp
}

// StorageClient hands tasks to a remote storage service
type StorageClient struct {
	base
}

func NewStorageClient(baseURL string, timeout time.Duration) *StorageClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StorageClient{base: base{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}}
}

// Enqueue calls StoreResult. The storage service answers once the task is
// queued, not once it is written.
func (c *StorageClient) Enqueue(task types.Task) error {
	req, err := types.ToRequest(task)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
	defer cancel()

	resp, err := c.post(ctx, "/v1/store", req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("storage refused task: %s", resp.ErrorMessage)
	}
	return nil
}

// SubmitClient calls Submit on an input service
type SubmitClient struct {
	base
}

func NewSubmitClient(baseURL string) *SubmitClient {
	return &SubmitClient{base: base{baseURL: baseURL, httpClient: &http.Client{Timeout: 30 * time.Second}}}
}

func (c *SubmitClient) Submit(ctx context.Context, imageID string, data []byte) types.Response {
	resp, err := c.post(ctx, "/v1/submit", types.SubmitRequest{ImageID: imageID, ImageData: data})
	if err != nil {
		return types.Fail(err)
	}
	return resp
}
