package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	miniogo "github.com/minio/minio-go/v7"

	"github.com/gloomyglyph/FAAS/pkg/database"
	blobstore "github.com/gloomyglyph/FAAS/pkg/minio"
)

// DurableStore keeps blobs in MinIO (object key = content hash) and
// metadata in Postgres.
type DurableStore struct {
	db     *database.DB
	blobs  *miniogo.Client
	bucket string
	locks  *KeyedMutex
}

func NewDurableStore(db *database.DB, blobs *miniogo.Client, bucket string) *DurableStore {
	return &DurableStore{db: db, blobs: blobs, bucket: bucket, locks: NewKeyedMutex()}
}

func (s *DurableStore) PutBlobIfAbsent(ctx context.Context, hash string, data []byte) (BlobRef, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	existing, err := s.db.FindBlob(ctx, hash)
	if err != nil {
		return "", unavailable("find blob", err)
	}
	if existing != nil {
		return BlobRef(existing.BlobRef), nil
	}

	// the object may already exist from an earlier attempt whose claim failed
	if _, err := blobstore.PutObjectIfAbsent(ctx, s.blobs, s.bucket, hash, data); err != nil {
		return "", unavailable("put object", err)
	}

	ref, _, err := s.db.ClaimBlob(ctx, hash, s.bucket+"/"+hash, int64(len(data)))
	if err != nil {
		return "", unavailable("claim blob", err)
	}
	return BlobRef(ref), nil
}

func (s *DurableStore) InsertResult(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	err := s.db.InsertResult(ctx, database.Result{
		ID:          r.ID,
		ImageID:     r.ImageID,
		ContentHash: r.ContentHash,
		BackendKind: string(r.Kind),
		Payload:     r.Payload,
	})
	if err != nil {
		return unavailable("insert result", err)
	}
	return nil
}

func (s *DurableStore) FindBlob(ctx context.Context, hash string) (BlobRef, bool, error) {
	b, err := s.db.FindBlob(ctx, hash)
	if err != nil {
		return "", false, unavailable("find blob", err)
	}
	if b == nil {
		return "", false, nil
	}
	return BlobRef(b.BlobRef), true, nil
}

func (s *DurableStore) BlobSeenCount(ctx context.Context, hash string) (int, error) {
	n, err := s.db.BlobSeenCount(ctx, hash)
	if err != nil {
		return 0, unavailable("seen count", err)
	}
	return n, nil
}

// Ping checks both backends
func (s *DurableStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	if _, err := s.blobs.BucketExists(ctx, s.bucket); err != nil {
		return unavailable("ping minio", err)
	}
	return nil
}
