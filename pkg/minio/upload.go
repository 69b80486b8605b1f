package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
)

// ObjectExists reports whether key is present in bucket
func ObjectExists(ctx context.Context, client *minio.Client, bucketName, key string) (bool, error) {
	_, err := client.StatObject(ctx, bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat object error: %w", err)
}

// PutObjectIfAbsent uploads data under key unless an object is already
// there. existed reports whether the upload was skipped. Callers must
// serialize calls for the same key.
func PutObjectIfAbsent(ctx context.Context, client *minio.Client, bucketName, key string, data []byte) (existed bool, err error) {
	existed, err = ObjectExists(ctx, client, bucketName, key)
	if err != nil {
		return false, err
	}
	if existed {
		return true, nil
	}

	_, err = client.PutObject(
		ctx,
		bucketName,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: http.DetectContentType(data)},
	)
	if err != nil {
		return false, fmt.Errorf("upload object error: %w", err)
	}

	return false, nil
}

// DownloadObject reads a whole object into memory
func DownloadObject(ctx context.Context, client *minio.Client, bucketName, key string) ([]byte, error) {
	object, err := client.GetObject(ctx, bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("error getting object: %w", err)
	}
	defer object.Close()

	content, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("error reading object: %w", err)
	}

	return content, nil
}
