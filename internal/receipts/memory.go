package receipts

import (
	"context"
	"fmt"
	"sync"
)

type memoryArchive struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func newMemoryArchive(prefix string) *memoryArchive {
	return &memoryArchive{
		prefix:  normalizePrefix(prefix),
		objects: make(map[string][]byte),
	}
}

func (m *memoryArchive) Put(_ context.Context, r Receipt) error {
	b, err := Marshal(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, r.Key())] = b
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) Get(_ context.Context, srcChain, dstChain, nonce uint64) (Receipt, error) {
	key := Key(srcChain, dstChain, nonce)
	m.mu.RLock()
	b, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Unmarshal(b)
}
