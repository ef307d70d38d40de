package invalidator

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps invalidator rows in process memory. Used by tests and the
// "memory" storage backend.
type MemoryStore struct {
	*core
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{core: newCore(&memoryBackend{words: make(map[rowKey]Bitmap)})}
}

type memoryBackend struct {
	mu    sync.RWMutex
	words map[rowKey]Bitmap
}

func (m *memoryBackend) load(key rowKey) (Bitmap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.words[key], nil
}

func (m *memoryBackend) save(key rowKey, word Bitmap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[key] = word
	return nil
}

func (m *memoryBackend) rows() ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Row, 0, len(m.words))
	for k, w := range m.words {
		out = append(out, Row{Maker: k.maker, Slot: k.slot, Word: w})
	}
	return out, nil
}

func (m *memoryBackend) makerRows(maker common.Address) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for k, w := range m.words {
		if k.maker == maker {
			out = append(out, Row{Maker: k.maker, Slot: k.slot, Word: w})
		}
	}
	return out, nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ Snapshotter = (*MemoryStore)(nil)
)
