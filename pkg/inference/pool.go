package inference

import (
	"context"
	"fmt"
	"image"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

type limited struct {
	engine Engine
	slots  chan struct{}
}

// Limit returns an Engine that runs at most n inferences at once. Callers
// waiting for a slot give up when their context ends.
func Limit(engine Engine, n int) Engine {
	if n <= 0 {
		n = 1
	}
	return &limited{engine: engine, slots: make(chan struct{}, n)}
}

func (l *limited) Infer(ctx context.Context, img image.Image) ([]types.Detection, error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for worker: %v", ErrBackendUnreachable, ctx.Err())
	}
	defer func() { <-l.slots }()
	return l.engine.Infer(ctx, img)
}
