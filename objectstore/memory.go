package objectstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/ztrue/tracerr"
)

// MemoryStore is an in-memory ObjectStore for tests.
type MemoryStore struct {
	lock    sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte, access common_models.AccessMode, _ string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	locator := fmt.Sprintf("%s/%v", access, uuid.New())
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[locator] = stored
	return locator, nil
}

func (s *MemoryStore) Get(_ context.Context, locator string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	data, ok := s.objects[locator]
	if !ok {
		return nil, tracerr.Wrap(ErrorObjectNotFound.AddDetails(locator))
	}
	return data, nil
}

func (s *MemoryStore) Destroy(_ context.Context, locator string, _ common_models.AccessMode) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.objects, locator) // missing object is fine, Destroy is idempotent
	return nil
}

func (s *MemoryStore) PublicURL(locator string) string {
	return "memory://" + locator
}

// Corrupt overwrites a stored object's bytes. Test helper for the
// content-hash mismatch path.
func (s *MemoryStore) Corrupt(locator string, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.objects[locator] = data
}
