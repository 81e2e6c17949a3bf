package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

var ErrInvalidConfig = errors.New("ledger: invalid config")

type Config struct {
	ChainID uint64

	// Now is the ledger clock. Calls observe a single timestamp taken when
	// the call starts.
	Now func() time.Time
}

// Ledger executes calls against a backend with commit-or-abort semantics:
// either every write made by a call is persisted or none is.
type Ledger struct {
	cfg     Config
	backend Backend
	log     *slog.Logger
}

func New(cfg Config, backend Backend, log *slog.Logger) (*Ledger, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: ChainID must be non-zero", ErrInvalidConfig)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Ledger{cfg: cfg, backend: backend, log: log}, nil
}

func (l *Ledger) ChainID() uint64 { return l.cfg.ChainID }

// Now returns the current ledger time in unix seconds.
func (l *Ledger) Now() uint64 {
	ts := l.cfg.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// Call runs fn in a single transaction. A non-nil error from fn, or an asset
// withdrawn but never deposited, aborts the call and discards its writes.
func (l *Ledger) Call(ctx context.Context, fn func(*Call) error) error {
	tx, err := l.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	// No-op after Commit. Also releases the backend if fn panics.
	defer func() { _ = tx.Rollback(ctx) }()
	c := &Call{
		ctx:    ctx,
		ledger: l,
		tx:     tx,
		now:    l.Now(),
		writes: make(map[string]pending),
	}
	defer func() { c.done = true }()

	if err := fn(c); err != nil {
		l.log.Debug("call aborted", "chainID", l.cfg.ChainID, "err", err)
		return err
	}
	if err := c.checkAssets(); err != nil {
		return err
	}
	for k, w := range c.writes {
		var err error
		if w.deleted {
			err = tx.Delete(ctx, []byte(k))
		} else {
			err = tx.Put(ctx, []byte(k), w.value)
		}
		if err != nil {
			return fmt.Errorf("ledger: write: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// View runs fn and always discards its writes.
func (l *Ledger) View(ctx context.Context, fn func(*Call) error) error {
	tx, err := l.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	c := &Call{
		ctx:    ctx,
		ledger: l,
		tx:     tx,
		now:    l.Now(),
		writes: make(map[string]pending),
	}
	defer func() { c.done = true }()
	return fn(c)
}

// Call is the execution context of a single ledger call. It is not safe for
// concurrent use and must not be retained after the call returns.
type Call struct {
	ctx    context.Context
	ledger *Ledger
	tx     Tx
	now    uint64
	writes map[string]pending
	assets []*Asset
	done   bool
}

func (c *Call) Context() context.Context { return c.ctx }

func (c *Call) ChainID() uint64 { return c.ledger.cfg.ChainID }

// Now is the call timestamp in unix seconds.
func (c *Call) Now() uint64 { return c.now }

func (c *Call) Get(key []byte) ([]byte, error) {
	if c.done {
		return nil, ErrTxFinished
	}
	if w, ok := c.writes[string(key)]; ok {
		if w.deleted {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	return c.tx.Get(c.ctx, key)
}

func (c *Call) Has(key []byte) (bool, error) {
	_, err := c.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Call) Put(key, value []byte) {
	c.writes[string(key)] = pending{value: append([]byte(nil), value...)}
}

func (c *Call) Delete(key []byte) {
	c.writes[string(key)] = pending{deleted: true}
}

// Savepoint marks the current write set so a later failure can be undone
// without aborting the whole call.
type Savepoint struct {
	writes map[string]pending
	assets int
}

func (c *Call) Savepoint() Savepoint {
	cp := make(map[string]pending, len(c.writes))
	for k, v := range c.writes {
		cp[k] = v
	}
	return Savepoint{writes: cp, assets: len(c.assets)}
}

// RollbackTo discards writes and withdrawn assets made after sp.
func (c *Call) RollbackTo(sp Savepoint) {
	c.writes = make(map[string]pending, len(sp.writes))
	for k, v := range sp.writes {
		c.writes[k] = v
	}
	for _, a := range c.assets[sp.assets:] {
		a.voided = true
	}
	c.assets = c.assets[:sp.assets]
}

// GetRecord decodes the RLP record stored at key into v.
func GetRecord(c *Call, key []byte, v any) (bool, error) {
	b, err := c.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(b, v); err != nil {
		return false, fmt.Errorf("ledger: decode %q: %w", key, err)
	}
	return true, nil
}

func PutRecord(c *Call, key []byte, v any) error {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("ledger: encode %q: %w", key, err)
	}
	c.Put(key, b)
	return nil
}

// Key joins a namespace and fixed-width parts.
func Key(namespace string, parts ...[]byte) []byte {
	n := len(namespace)
	for _, p := range parts {
		n += 1 + len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, namespace...)
	for _, p := range parts {
		out = append(out, '/')
		out = append(out, p...)
	}
	return out
}

func U64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func GetU64(c *Call, key []byte) (uint64, error) {
	b, err := c.Get(key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("ledger: %q: want 8 bytes, got %d", key, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func PutU64(c *Call, key []byte, v uint64) {
	c.Put(key, U64(v))
}
