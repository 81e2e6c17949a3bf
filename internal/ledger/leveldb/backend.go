package leveldb

import (
	"context"
	"errors"
	"fmt"

	"github.com/juno-intents/intents-gmp/internal/ledger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var ErrInvalidConfig = errors.New("ledger/leveldb: invalid config")

// Backend stores ledger state in an embedded goleveldb database. goleveldb
// allows a single open transaction at a time, which serialises calls.
type Backend struct {
	db *leveldb.DB
}

func Open(path string) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger/leveldb: open %q: %w", path, err)
	}
	return &Backend{db: db}, nil
}

// OpenMemory opens a volatile database, mostly for tests.
func OpenMemory() (*Backend, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("ledger/leveldb: open memory: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Begin(ctx context.Context) (ledger.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr, err := b.db.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("ledger/leveldb: open transaction: %w", err)
	}
	return &tx{tr: tr}, nil
}

type tx struct {
	tr   *leveldb.Transaction
	done bool
}

func (t *tx) Get(_ context.Context, key []byte) ([]byte, error) {
	if t.done {
		return nil, ledger.ErrTxFinished
	}
	v, err := t.tr.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger/leveldb: get: %w", err)
	}
	return v, nil
}

func (t *tx) Put(_ context.Context, key, value []byte) error {
	if t.done {
		return ledger.ErrTxFinished
	}
	if err := t.tr.Put(key, value, nil); err != nil {
		return fmt.Errorf("ledger/leveldb: put: %w", err)
	}
	return nil
}

func (t *tx) Delete(_ context.Context, key []byte) error {
	if t.done {
		return ledger.ErrTxFinished
	}
	if err := t.tr.Delete(key, nil); err != nil {
		return fmt.Errorf("ledger/leveldb: delete: %w", err)
	}
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return ledger.ErrTxFinished
	}
	t.done = true
	if err := t.tr.Commit(); err != nil {
		return fmt.Errorf("ledger/leveldb: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.tr.Discard()
	return nil
}
