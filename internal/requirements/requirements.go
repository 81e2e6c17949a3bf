package requirements

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
)

var (
	ErrRequirementsNotFound = errors.New("requirements: not found")
	ErrRequirementsClaimed  = errors.New("requirements: claimed by another manager")
)

// claimNamespace is shared by every Store on a ledger.
const claimNamespace = "requirements/claim"

// Record is a stored IntentRequirements message and where it came from.
type Record struct {
	SrcChain     uint64
	Requirements gmpmsg.IntentRequirements
	ReceivedAt   uint64
}

// Store keeps requirements keyed by (source chain, intent id) under its own
// namespace. Intent ids are only unique on the ledger that created them, so
// two origins may use the same id without touching each other's record. The
// first delivery from an origin wins; later deliveries never overwrite it.
type Store struct {
	namespace string
	log       *slog.Logger
}

func New(namespace string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Store{namespace: namespace + "/req", log: log}
}

func (s *Store) key(srcChain uint64, id [32]byte) []byte {
	return ledger.Key(s.namespace, ledger.U64(srcChain), id[:])
}

// Put stores req unless srcChain already delivered a record for its intent id.
// It reports whether a record was created. A redelivery that differs from the
// stored record is ignored and logged.
func (s *Store) Put(c *ledger.Call, srcChain uint64, req gmpmsg.IntentRequirements) (bool, error) {
	existing, ok, err := s.lookup(c, srcChain, req.ID)
	if err != nil {
		return false, err
	}
	if ok {
		if existing.Requirements != req {
			s.log.Warn("ignoring divergent requirements redelivery",
				"intentID", fmt.Sprintf("%x", req.ID),
				"srcChain", srcChain,
			)
		}
		return false, nil
	}
	rec := Record{SrcChain: srcChain, Requirements: req, ReceivedAt: c.Now()}
	if err := ledger.PutRecord(c, s.key(srcChain, req.ID), rec); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the record srcChain delivered for intent id.
func (s *Store) Get(c *ledger.Call, srcChain uint64, id [32]byte) (Record, error) {
	rec, ok, err := s.lookup(c, srcChain, id)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: chain %d intent %x", ErrRequirementsNotFound, srcChain, id)
	}
	return rec, nil
}

func (s *Store) Has(c *ledger.Call, srcChain uint64, id [32]byte) (bool, error) {
	return c.Has(s.key(srcChain, id))
}

func (s *Store) lookup(c *ledger.Call, srcChain uint64, id [32]byte) (Record, bool, error) {
	var rec Record
	ok, err := ledger.GetRecord(c, s.key(srcChain, id), &rec)
	return rec, ok, err
}

// Claim marks the record srcChain delivered for id as used by claimant. The
// message carries no direction, so the escrow manager and the fulfillment
// validator on one ledger both store it; the first to act on it owns it and
// the other fails with ErrRequirementsClaimed. Claiming again as the same
// claimant is a no-op.
func Claim(c *ledger.Call, srcChain uint64, id [32]byte, claimant string) error {
	key := ledger.Key(claimNamespace, ledger.U64(srcChain), id[:])
	b, err := c.Get(key)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.Put(key, []byte(claimant))
		return nil
	case err != nil:
		return err
	case string(b) != claimant:
		return fmt.Errorf("%w: chain %d intent %x held by %s", ErrRequirementsClaimed, srcChain, id, b)
	}
	return nil
}
