package nonces

import (
	"errors"
	"fmt"

	"github.com/juno-intents/intents-gmp/internal/ledger"
)

var ErrReplayRejected = errors.New("nonces: replay rejected")

const (
	outboundNamespace = "gmp/nonce/out"
	inboundNamespace  = "gmp/nonce/in"
)

// Table tracks per-destination outbound sequence numbers and per-source
// inbound high-water marks.
//
// Outbound counters start at 1. Inbound nonces must strictly increase per
// source chain; gaps are allowed (reordered delivery), regressions are not
// (replay). The initial high-water mark is 0, so 0 is never accepted.
type Table struct{}

func New() *Table { return &Table{} }

// NextOutbound returns the nonce to use for the next message to dstChain and
// advances the counter.
func (t *Table) NextOutbound(c *ledger.Call, dstChain uint64) (uint64, error) {
	key := ledger.Key(outboundNamespace, ledger.U64(dstChain))
	last, err := ledger.GetU64(c, key)
	if err != nil {
		return 0, err
	}
	if last == ^uint64(0) {
		return 0, fmt.Errorf("nonces: outbound counter exhausted for chain %d", dstChain)
	}
	next := last + 1
	ledger.PutU64(c, key, next)
	return next, nil
}

// PeekOutbound returns the last assigned outbound nonce (0 if none).
func (t *Table) PeekOutbound(c *ledger.Call, dstChain uint64) (uint64, error) {
	return ledger.GetU64(c, ledger.Key(outboundNamespace, ledger.U64(dstChain)))
}

// CheckAndAdvanceInbound rejects nonce if it is not above the last accepted
// nonce from srcChain, otherwise records it as the new high-water mark.
func (t *Table) CheckAndAdvanceInbound(c *ledger.Call, srcChain, nonce uint64) error {
	key := ledger.Key(inboundNamespace, ledger.U64(srcChain))
	last, err := ledger.GetU64(c, key)
	if err != nil {
		return err
	}
	if nonce <= last {
		return fmt.Errorf("%w: chain %d nonce %d <= last %d", ErrReplayRejected, srcChain, nonce, last)
	}
	ledger.PutU64(c, key, nonce)
	return nil
}

// LastInbound returns the high-water mark for srcChain.
func (t *Table) LastInbound(c *ledger.Call, srcChain uint64) (uint64, error) {
	return ledger.GetU64(c, ledger.Key(inboundNamespace, ledger.U64(srcChain)))
}
