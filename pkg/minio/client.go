package minio

import (
	"context"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the MinIO connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// InitMinIOClient initializes and returns a MinIO client
func InitMinIOClient(cfg Config) (*minio.Client, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minIO client init error: %w", err)
	}

	log.Printf("[✓] MinIO client initialized: %s", cfg.Endpoint)
	return minioClient, nil
}

// EnsureBucketExists ensures a bucket exists, creates it if not
func EnsureBucketExists(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("error checking bucket: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			// another service may have created it between the two calls
			if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" {
				return nil
			}
			return fmt.Errorf("error creating bucket: %w", err)
		}
		log.Printf("[✓] Created bucket: %s", bucketName)
	} else {
		log.Printf("[✓] Bucket exists: %s", bucketName)
	}

	return nil
}
