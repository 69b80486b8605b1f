package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

// inferRequest is the msgpack body sent to the model worker
type inferRequest struct {
	Task    string `msgpack:"task"`
	Image   []byte `msgpack:"image"` // JPEG
	Width   int    `msgpack:"width"`
	Height  int    `msgpack:"height"`
	DetSize int    `msgpack:"det_size"`
}

type inferResponse struct {
	Detections []types.Detection `msgpack:"detections"`
	Error      string            `msgpack:"error"`
}

// HTTPEngine calls a model worker that speaks msgpack over HTTP
type HTTPEngine struct {
	url     string
	task    types.BackendKind
	detSize int
	client  *http.Client
}

func NewHTTPEngine(url string, task types.BackendKind, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPEngine{
		url:     url,
		task:    task,
		detSize: 640,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) Infer(ctx context.Context, img image.Image) ([]types.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrDecode, err)
	}

	body, err := msgpack.Marshal(inferRequest{
		Task:    string(e.task),
		Image:   buf.Bytes(),
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
		DetSize: e.detSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/msgpack")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrBackendUnreachable, err)
	}

	var out inferResponse
	decodeErr := msgpack.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrDecode, out.Error)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnreachable, resp.StatusCode)
	case decodeErr != nil:
		return nil, fmt.Errorf("%w: bad response: %v", ErrBackendUnreachable, decodeErr)
	case out.Error != "":
		return nil, fmt.Errorf("%w: %s", ErrBackendUnreachable, out.Error)
	}
	return out.Detections, nil
}

// CheckHealth probes the worker's /health endpoint
func (e *HTTPEngine) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrBackendUnreachable, resp.StatusCode)
	}
	return nil
}

// IsUnreachable reports whether err means the engine could not be reached
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}
