// Package store is the durable home of image blobs and analysis records.
// Blobs are content addressed and written at most once per hash; records
// are appended once per submission.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

// ErrStoreUnavailable means the durable store could not be reached. It is
// retryable.
var ErrStoreUnavailable = fmt.Errorf("%w: durable store unreachable", types.ErrUpstreamUnavailable)

// BlobRef locates a stored blob
type BlobRef string

// Record is one persisted analysis result
type Record struct {
	ID          string
	ImageID     string
	ContentHash string
	Kind        types.BackendKind
	BlobRef     BlobRef
	Payload     json.RawMessage
	CreatedAt   time.Time
}

type Store interface {
	// PutBlobIfAbsent stores data under hash unless a blob already exists,
	// and returns the ref of the single stored copy.
	PutBlobIfAbsent(ctx context.Context, hash string, data []byte) (BlobRef, error)
	// InsertResult appends a record. r.ID is assigned when empty.
	InsertResult(ctx context.Context, r *Record) error
	FindBlob(ctx context.Context, hash string) (BlobRef, bool, error)
}

// Ledger is implemented by stores that count how often a blob was submitted
type Ledger interface {
	BlobSeenCount(ctx context.Context, hash string) (int, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
