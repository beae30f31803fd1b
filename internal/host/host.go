// Package host defines the boundary between the transfer accelerator and
// the imaging server it runs alongside: reading an instance's bytes on a
// cache miss, and importing a committed instance back into local storage.
package host

import (
	"sync"

	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

// Backend is the narrow interface the instance cache and download area
// need from whatever local storage actually holds DICOM instances.
type Backend interface {
	// GetInstanceBytes returns the full byte content of instance id.
	GetInstanceBytes(id string) ([]byte, error)
	// ImportInstance hands committed, MD5-verified bytes to local storage.
	ImportInstance(id string, content []byte) error
}

// MemoryBackend is an in-memory reference Backend, used by tests and by
// cmd/transfers-accelerator.
type MemoryBackend struct {
	mu        sync.RWMutex
	instances map[string][]byte
	imported  map[string][]byte
}

// NewMemoryBackend builds an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		instances: make(map[string][]byte),
		imported:  make(map[string][]byte),
	}
}

// Seed pre-populates the backend with an instance available for reading.
func (m *MemoryBackend) Seed(id string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[id] = content
}

func (m *MemoryBackend) GetInstanceBytes(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.instances[id]
	if !ok {
		return nil, xferr.New(xferr.KindUnknown, "no such instance: "+id)
	}
	return b, nil
}

func (m *MemoryBackend) ImportInstance(id string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(content))
	copy(cp, content)
	m.imported[id] = cp
	return nil
}

// Imported returns the bytes last imported for id, for test assertions.
func (m *MemoryBackend) Imported(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.imported[id]
	return b, ok
}
