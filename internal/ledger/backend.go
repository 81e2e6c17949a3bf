package ledger

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound   = errors.New("ledger: not found")
	ErrTxFinished = errors.New("ledger: transaction already finished")
)

// Tx is a backend transaction. Backends must serialise transactions so a
// ledger executes one call at a time.
type Tx interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend persists ledger state.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
}

// MemoryBackend is an in-memory backend intended for unit tests and
// single-process simulations. It is safe for concurrent use.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	return &memoryTx{b: b, writes: make(map[string]pending)}, nil
}

type pending struct {
	value   []byte
	deleted bool
}

type memoryTx struct {
	b      *MemoryBackend
	writes map[string]pending
	done   bool
}

func (t *memoryTx) Get(_ context.Context, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxFinished
	}
	if w, ok := t.writes[string(key)]; ok {
		if w.deleted {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	v, ok := t.b.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTx) Put(_ context.Context, key, value []byte) error {
	if t.done {
		return ErrTxFinished
	}
	t.writes[string(key)] = pending{value: append([]byte(nil), value...)}
	return nil
}

func (t *memoryTx) Delete(_ context.Context, key []byte) error {
	if t.done {
		return ErrTxFinished
	}
	t.writes[string(key)] = pending{deleted: true}
	return nil
}

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxFinished
	}
	for k, w := range t.writes {
		if w.deleted {
			delete(t.b.data, k)
			continue
		}
		t.b.data[k] = w.value
	}
	t.done = true
	t.b.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.b.mu.Unlock()
	return nil
}
