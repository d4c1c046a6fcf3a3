package intake

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSFetcher reads intake content from Google Cloud Storage by gs:// URI.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher constructs a GCSFetcher.
func NewGCSFetcher(client *storage.Client) *GCSFetcher {
	return &GCSFetcher{client: client}
}

// Fetch reads the object behind a gs://bucket/path reference.
func (f *GCSFetcher) Fetch(ctx context.Context, contentRef string) ([]byte, error) {
	bucket, object, err := splitRef(contentRef)
	if err != nil {
		return nil, err
	}
	r, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", contentRef, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", contentRef, err)
	}
	return data, nil
}

// GCSBlobStore extends the fetcher with writes into a fixed bucket, giving
// accepted uploads durable gs:// refs that any worker process can resolve.
type GCSBlobStore struct {
	*GCSFetcher
	bucket string
}

// NewGCSBlobStore constructs a GCSBlobStore over the given bucket.
func NewGCSBlobStore(client *storage.Client, bucket string) (*GCSBlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSBlobStore{GCSFetcher: NewGCSFetcher(client), bucket: bucket}, nil
}

// PutObject uploads data under path and returns its gs:// content ref.
func (s *GCSBlobStore) PutObject(ctx context.Context, path string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return objectRef(s.bucket, path), nil
}

func objectRef(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

func splitRef(ref string) (bucket, object string, err error) {
	trimmed, ok := strings.CutPrefix(ref, "gs://")
	if !ok {
		return "", "", fmt.Errorf("content ref %q is not a gs:// URI", ref)
	}
	bucket, object, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("content ref %q missing bucket or object", ref)
	}
	return bucket, object, nil
}
