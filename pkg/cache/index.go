package cache

import (
	"context"
	"fmt"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

// ErrCacheUnavailable is returned when the backing store cannot be reached.
// Callers treat it as "not present".
var ErrCacheUnavailable = fmt.Errorf("%w: dedup index unreachable", types.ErrCacheDegraded)

// Index records which (content hash, result field) pairs have been
// durably persisted. It is an accelerator only: the durable store stays
// the source of truth.
type Index interface {
	Exists(ctx context.Context, hash, field string) (bool, error)
	Mark(ctx context.Context, hash, field, value string) error
}

// Key is the composite key for one (hash, field) pair
func Key(hash, field string) string {
	return fmt.Sprintf("processed:%s:%s", hash, field)
}
