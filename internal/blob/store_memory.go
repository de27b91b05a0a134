package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/zteffi86/permia/pkg/platform/sentinel"
)

// InMemoryStore keeps blobs in a map for tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string][]byte)}
}

func (s *InMemoryStore) Put(_ context.Context, contentHash, _ string, content io.Reader) (string, error) {
	key := Key(contentHash)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; ok {
		return key, nil
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	s.blobs[key] = data
	return key, nil
}

func (s *InMemoryStore) Get(_ context.Context, storageURI string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[storageURI]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *InMemoryStore) Delete(_ context.Context, storageURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, storageURI)
	return nil
}

// Len reports the number of stored blobs. Test helper.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
