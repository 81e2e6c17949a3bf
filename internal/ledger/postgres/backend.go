package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/intents-gmp/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

// Backend stores the state of one ledger in the shared ledger_kv table.
// Calls on the same chain are serialised with a transaction-scoped advisory
// lock; writes are flushed as one pgx batch on commit.
type Backend struct {
	pool    *pgxpool.Pool
	chainID int64
}

func New(pool *pgxpool.Pool, chainID uint64) (*Backend, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if chainID == 0 || chainID > math.MaxInt64 {
		return nil, fmt.Errorf("%w: chain id out of range", ErrInvalidConfig)
	}
	return &Backend{pool: pool, chainID: int64(chainID)}, nil
}

func (b *Backend) EnsureSchema(ctx context.Context) error {
	if b == nil || b.pool == nil {
		return fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if _, err := b.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (b *Backend) Begin(ctx context.Context) (ledger.Tx, error) {
	if b == nil || b.pool == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	pgTx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: begin: %w", err)
	}
	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('ledger:' || $1::text, 0))`, b.chainID); err != nil {
		_ = pgTx.Rollback(ctx)
		return nil, fmt.Errorf("ledger/postgres: lock chain: %w", err)
	}
	return &tx{tx: pgTx, chainID: b.chainID, writes: make(map[string]write)}, nil
}

type write struct {
	value   []byte
	deleted bool
}

type tx struct {
	tx      pgx.Tx
	chainID int64
	writes  map[string]write
	done    bool
}

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if t.done {
		return nil, ledger.ErrTxFinished
	}
	if w, ok := t.writes[string(key)]; ok {
		if w.deleted {
			return nil, ledger.ErrNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	var v []byte
	err := t.tx.QueryRow(ctx, `SELECT v FROM ledger_kv WHERE chain_id = $1 AND k = $2`, t.chainID, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("ledger/postgres: get: %w", err)
	}
	return v, nil
}

func (t *tx) Put(_ context.Context, key, value []byte) error {
	if t.done {
		return ledger.ErrTxFinished
	}
	t.writes[string(key)] = write{value: append([]byte(nil), value...)}
	return nil
}

func (t *tx) Delete(_ context.Context, key []byte) error {
	if t.done {
		return ledger.ErrTxFinished
	}
	t.writes[string(key)] = write{deleted: true}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return ledger.ErrTxFinished
	}
	t.done = true

	if len(t.writes) > 0 {
		batch := &pgx.Batch{}
		for k, w := range t.writes {
			if w.deleted {
				batch.Queue(`DELETE FROM ledger_kv WHERE chain_id = $1 AND k = $2`, t.chainID, []byte(k))
				continue
			}
			batch.Queue(`
				INSERT INTO ledger_kv (chain_id, k, v, updated_at)
				VALUES ($1,$2,$3,now())
				ON CONFLICT (chain_id, k) DO UPDATE
				SET v = EXCLUDED.v, updated_at = now()
			`, t.chainID, []byte(k), w.value)
		}
		if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
			_ = t.tx.Rollback(ctx)
			return fmt.Errorf("ledger/postgres: flush writes: %w", err)
		}
	}
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("ledger/postgres: rollback: %w", err)
	}
	return nil
}
