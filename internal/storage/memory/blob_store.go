package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

const blobScheme = "memory://"

// BlobStore keeps uploaded file content in a map, addressed by pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore constructs a BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject stores a copy of data under path and returns its content ref.
func (s *BlobStore) PutObject(_ context.Context, path string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return blobScheme + path, nil
}

// Fetch resolves a ref previously returned by PutObject.
func (s *BlobStore) Fetch(_ context.Context, contentRef string) ([]byte, error) {
	path, ok := strings.CutPrefix(contentRef, blobScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported content ref %q", contentRef)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("no content stored at %q: %w", contentRef, pipeline.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}
