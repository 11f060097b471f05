package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Archive writes immutable documents to a Cloud Storage bucket.
type Archive struct {
	client *gcs.Client
	bucket string
}

// NewArchive constructs an Archive backed by the provided Cloud Storage client.
func NewArchive(client *gcs.Client, bucket string) (*Archive, error) {
	if client == nil {
		return nil, errors.New("storage archive: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archive: bucket is required")
	}
	return &Archive{client: client, bucket: bucket}, nil
}

// Put stores body under object and returns its gs:// URI. Existing objects are never overwritten;
// a second write of the same object returns the existing URI.
func (a *Archive) Put(ctx context.Context, object, contentType string, body []byte) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("storage archive: client is not initialised")
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errors.New("storage archive: object name is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", a.bucket, object)

	handle := a.client.Bucket(a.bucket).Object(object).If(gcs.Conditions{DoesNotExist: true})
	w := handle.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage archive: write %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return uri, nil
		}
		return "", fmt.Errorf("storage archive: close %s: %w", uri, err)
	}
	return uri, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
