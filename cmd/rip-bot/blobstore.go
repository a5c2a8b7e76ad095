package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type s3BlobStore struct {
	client *s3.Client
	bucket string
	region string
}

func (b *s3BlobStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.bucket, b.region, key), nil
}

// objectKey derives a destination key from the source URL's base filename.
// The nanosecond timestamp plus a random suffix keeps keys unique per attempt,
// so a retry after a failed write never lands on a previous partial object.
func objectKey(sourceURL string) string {
	name := baseNameFromURL(sourceURL)
	return fmt.Sprintf("img/%d-%s-%s", time.Now().UnixNano(), uuid.NewString()[:8], name)
}

// relocateImage downloads the source image and copies it into durable object
// storage under a fresh key. Fetch and store failures propagate unwrapped of
// any retry policy; the work queue decides re-attempts.
func relocateImage(ctx context.Context, client *http.Client, blobs blobStore, sourceURL string) (relocatedImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return relocatedImage{}, fmt.Errorf("build source request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return relocatedImage{}, fmt.Errorf("fetch source image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return relocatedImage{}, fmt.Errorf("source image status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return relocatedImage{}, fmt.Errorf("read source image: %w", err)
	}
	if len(body) == 0 {
		return relocatedImage{}, errors.New("source image is empty")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := objectKey(sourceURL)
	publicURL, err := blobs.Put(ctx, key, contentType, body)
	if err != nil {
		return relocatedImage{}, err
	}
	return relocatedImage{
		FileName:    strings.TrimPrefix(key, "img/"),
		ContentType: contentType,
		Data:        body,
		URL:         publicURL,
	}, nil
}
