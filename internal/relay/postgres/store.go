package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/intents-gmp/internal/relay"
)

var ErrInvalidConfig = errors.New("relay/postgres: invalid config")

// Store keeps relay cursors and source leases in postgres so several relay
// replicas can share them. Lease expiry uses the database clock.
type Store struct {
	pool *pgxpool.Pool
}

var _ relay.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("relay/postgres: ensure schema: %w", err)
	}
	return nil
}

func toInt64(vs ...uint64) ([]int64, error) {
	out := make([]int64, len(vs))
	for i, v := range vs {
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows bigint", relay.ErrInvalidInput, v)
		}
		out[i] = int64(v)
	}
	return out, nil
}

func (s *Store) Cursor(ctx context.Context, srcChain, dstChain uint64) (uint64, error) {
	ids, err := toInt64(srcChain, dstChain)
	if err != nil {
		return 0, err
	}
	var last int64
	err = s.pool.QueryRow(ctx, `
		SELECT last_nonce FROM gmp_relay_cursors WHERE src_chain = $1 AND dst_chain = $2
	`, ids[0], ids[1]).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("relay/postgres: cursor: %w", err)
	}
	return uint64(last), nil
}

func (s *Store) SetCursor(ctx context.Context, srcChain, dstChain, nonce uint64) error {
	if srcChain == 0 || dstChain == 0 {
		return fmt.Errorf("%w: chain ids must be non-zero", relay.ErrInvalidInput)
	}
	vs, err := toInt64(srcChain, dstChain, nonce)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gmp_relay_cursors (src_chain, dst_chain, last_nonce, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (src_chain, dst_chain) DO UPDATE
		SET last_nonce = GREATEST(gmp_relay_cursors.last_nonce, EXCLUDED.last_nonce),
			updated_at = now()
	`, vs[0], vs[1], vs[2])
	if err != nil {
		return fmt.Errorf("relay/postgres: set cursor: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (relay.Lease, bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return relay.Lease{}, false, err
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gmp_relay_leases (name, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE gmp_relay_leases.expires_at <= now() OR gmp_relay_leases.owner = EXCLUDED.owner
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&gotOwner, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Held by someone else.
			l, gerr := s.get(ctx, name)
			if gerr != nil {
				return relay.Lease{}, false, gerr
			}
			return l, false, nil
		}
		return relay.Lease{}, false, fmt.Errorf("relay/postgres: try acquire: %w", err)
	}
	return relay.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (relay.Lease, bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return relay.Lease{}, false, err
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE gmp_relay_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&gotOwner, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l, gerr := s.get(ctx, name)
			if gerr != nil {
				return relay.Lease{}, false, gerr
			}
			if l.Owner != owner {
				return relay.Lease{}, false, relay.ErrNotOwner
			}
			return relay.Lease{}, false, fmt.Errorf("relay/postgres: renew: unexpected no rows")
		}
		return relay.Lease{}, false, fmt.Errorf("relay/postgres: renew: %w", err)
	}
	return relay.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return relay.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM gmp_relay_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("relay/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	l, gerr := s.get(ctx, name)
	if errors.Is(gerr, relay.ErrNotFound) {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if l.Owner != owner {
		return relay.ErrNotOwner
	}
	return nil
}

func (s *Store) get(ctx context.Context, name string) (relay.Lease, error) {
	var (
		owner     string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM gmp_relay_leases WHERE name = $1`, name).Scan(&owner, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return relay.Lease{}, relay.ErrNotFound
		}
		return relay.Lease{}, fmt.Errorf("relay/postgres: get lease: %w", err)
	}
	return relay.Lease{Name: name, Owner: owner, ExpiresAt: expiresAt}, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}

func validateLease(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return relay.ErrInvalidInput
	}
	return nil
}
