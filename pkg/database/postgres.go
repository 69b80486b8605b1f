package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	MaxPool  int
}

// DSN renders the lib/pq connection string
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName,
	)
}

type DB struct {
	*sql.DB
}

// NewPostgresDB creates a connection pool and makes sure the schema exists
func NewPostgresDB(cfg Config) (*DB, error) {
	return Open(cfg.DSN(), cfg.MaxPool)
}

// Open connects using a raw DSN
func Open(dsn string, maxPool int) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxPool <= 0 {
		maxPool = 10
	}
	// Connection pool settings
	db.SetMaxOpenConns(maxPool)
	db.SetMaxIdleConns(maxPool / 2)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db}
	if err := d.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS image_blobs (
	content_hash  TEXT PRIMARY KEY,
	blob_ref      TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL,
	seen_count    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS analysis_results (
	id            UUID PRIMARY KEY,
	image_id      TEXT NOT NULL,
	content_hash  TEXT NOT NULL REFERENCES image_blobs(content_hash),
	backend_kind  TEXT NOT NULL,
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS analysis_results_hash_kind_idx
	ON analysis_results (content_hash, backend_kind);
`

// EnsureSchema creates the tables if they are missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Blob is one row of image_blobs
type Blob struct {
	ContentHash string
	BlobRef     string
	SizeBytes   int64
	SeenCount   int
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// ClaimBlob registers blobRef for hash. If a row already exists the
// existing ref is returned with inserted=false.
func (db *DB) ClaimBlob(ctx context.Context, hash, blobRef string, size int64) (ref string, inserted bool, err error) {
	query := `
		INSERT INTO image_blobs (content_hash, blob_ref, size_bytes)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_hash) DO UPDATE
		SET last_seen_at = NOW()
		RETURNING blob_ref, (xmax = 0) AS inserted
	`

	err = db.QueryRowContext(ctx, query, hash, blobRef, size).Scan(&ref, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("failed to claim blob: %w", err)
	}
	return ref, inserted, nil
}

// FindBlob returns the blob row for hash, or nil when absent
func (db *DB) FindBlob(ctx context.Context, hash string) (*Blob, error) {
	b := &Blob{}

	query := `
		SELECT content_hash, blob_ref, size_bytes, seen_count, created_at, last_seen_at
		FROM image_blobs
		WHERE content_hash = $1
	`

	err := db.QueryRowContext(ctx, query, hash).Scan(
		&b.ContentHash,
		&b.BlobRef,
		&b.SizeBytes,
		&b.SeenCount,
		&b.CreatedAt,
		&b.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find blob: %w", err)
	}
	return b, nil
}

// BlobSeenCount returns how many result records reference hash
func (db *DB) BlobSeenCount(ctx context.Context, hash string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT seen_count FROM image_blobs WHERE content_hash = $1`, hash).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}
	return n, nil
}

// Result is one row of analysis_results
type Result struct {
	ID          string
	ImageID     string
	ContentHash string
	BackendKind string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// InsertResult stores one analysis record and bumps the blob's seen_count
// in the same statement. Records are never deduplicated.
func (db *DB) InsertResult(ctx context.Context, r Result) error {
	query := `
		WITH inserted AS (
			INSERT INTO analysis_results (id, image_id, content_hash, backend_kind, payload)
			VALUES ($1::uuid, $2, $3, $4, $5::jsonb)
			RETURNING content_hash
		)
		UPDATE image_blobs
		SET seen_count = seen_count + 1,
		    last_seen_at = NOW()
		WHERE content_hash = (SELECT content_hash FROM inserted)
	`

	_, err := db.ExecContext(ctx, query, r.ID, r.ImageID, r.ContentHash, r.BackendKind, []byte(r.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}
