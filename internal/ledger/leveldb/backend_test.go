package leveldb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
)

func TestBackend_CommitAndAbort(t *testing.T) {
	t.Parallel()

	b, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	l, err := ledger.New(ledger.Config{ChainID: 3, Now: func() time.Time { return time.Unix(50, 0) }}, b, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	ctx := context.Background()
	bank := ledger.NewBank()
	owner := gmpmsg.MustAddress("0x01")
	token := gmpmsg.MustAddress("0x02")

	if err := l.Call(ctx, func(c *ledger.Call) error { return bank.Mint(c, owner, token, 9) }); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	boom := errors.New("boom")
	if err := l.Call(ctx, func(c *ledger.Call) error {
		if err := bank.Mint(c, owner, token, 1); err != nil {
			return err
		}
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = l.View(ctx, func(c *ledger.Call) error {
		bal, err := bank.Balance(c, owner, token)
		if err != nil || bal != 9 {
			t.Fatalf("balance: got %d, %v", bal, err)
		}
		return nil
	})
}

func TestBackend_DeleteIsNotFound(t *testing.T) {
	t.Parallel()

	b, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tx.Get(ctx, []byte("k")); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, ledger.ErrTxFinished) {
		t.Fatalf("expected ErrTxFinished, got %v", err)
	}
}
