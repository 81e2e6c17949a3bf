package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juno-intents/intents-gmp/internal/gmp"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
	"github.com/juno-intents/intents-gmp/internal/requirements"
)

var (
	ErrInvalidConfig        = errors.New("fulfillment: invalid config")
	ErrRequirementsNotFound = requirements.ErrRequirementsNotFound
	ErrRequirementsClaimed  = requirements.ErrRequirementsClaimed
	ErrUnauthorizedSolver   = errors.New("fulfillment: unauthorized solver")
	ErrTokenMismatch        = errors.New("fulfillment: token mismatch")
	ErrAmountMismatch       = errors.New("fulfillment: amount mismatch")
	ErrRecipientMismatch    = errors.New("fulfillment: recipient mismatch")
	ErrIntentExpired        = errors.New("fulfillment: intent expired")
	ErrAlreadyFulfilled     = errors.New("fulfillment: already fulfilled")
	ErrNotFound             = errors.New("fulfillment: not found")
)

// Fulfillment records a completed delivery to an outflow intent's recipient.
type Fulfillment struct {
	IntentID    [32]byte
	OriginChain uint64
	Solver      gmpmsg.Address
	Recipient   gmpmsg.Address
	Token       gmpmsg.Address
	Amount      uint64
	FulfilledAt uint64
	ProofNonce  uint64
}

type Config struct {
	// Namespace prefixes every key this validator writes. Defaults to
	// "fulfillment".
	Namespace string
}

// Validator is the delivering side of an outflow intent. A solver pays the
// recipient here; the validator checks the payment against the requirements
// sent by the origin ledger and answers with a FulfillmentProof.
type Validator struct {
	cfg Config

	endpoint *gmp.Endpoint
	bank     *ledger.Bank
	reqs     *requirements.Store
	log      *slog.Logger
}

// New builds a Validator and registers its requirements handler on ep.
func New(cfg Config, ep *gmp.Endpoint, bank *ledger.Bank, log *slog.Logger) (*Validator, error) {
	if ep == nil || bank == nil {
		return nil, fmt.Errorf("%w: nil endpoint/bank", ErrInvalidConfig)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "fulfillment"
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	v := &Validator{
		cfg:      cfg,
		endpoint: ep,
		bank:     bank,
		reqs:     requirements.New(cfg.Namespace, log),
		log:      log,
	}
	h := gmp.HandlerFunc(func(c *ledger.Call, d gmp.Delivery, msg gmpmsg.Message) error {
		req, ok := msg.(gmpmsg.IntentRequirements)
		if !ok {
			return fmt.Errorf("%w: %T", gmpmsg.ErrKindMismatch, msg)
		}
		_, err := v.reqs.Put(c, d.SrcChain, req)
		return err
	})
	if err := ep.Register(gmpmsg.KindIntentRequirements, cfg.Namespace, h); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Validator) key(originChain uint64, id [32]byte) []byte {
	return ledger.Key(v.cfg.Namespace+"/done", ledger.U64(originChain), id[:])
}

// FulfillIntent moves amount of token from solver to recipient and sends a
// FulfillmentProof to originChain, the ledger that sent the requirements for
// intentID. Validation, the transfer and the proof commit together or not at
// all.
func (v *Validator) FulfillIntent(ctx context.Context, solver gmpmsg.Address, originChain uint64, intentID [32]byte, token gmpmsg.Address, amount uint64, recipient gmpmsg.Address) (Fulfillment, error) {
	var out Fulfillment
	err := v.endpoint.Ledger().Call(ctx, func(c *ledger.Call) error {
		rec, err := v.reqs.Get(c, originChain, intentID)
		if err != nil {
			return err
		}
		done, err := c.Has(v.key(originChain, intentID))
		if err != nil {
			return err
		}
		if done {
			return fmt.Errorf("%w: chain %d intent %x", ErrAlreadyFulfilled, originChain, intentID)
		}
		if err := requirements.Claim(c, originChain, intentID, v.cfg.Namespace); err != nil {
			return err
		}

		req := rec.Requirements
		if solver.IsZero() || (!req.SolverAddr.IsZero() && solver != req.SolverAddr) {
			return fmt.Errorf("%w: %s", ErrUnauthorizedSolver, solver)
		}
		if token != req.TokenAddr {
			return fmt.Errorf("%w: got %s want %s", ErrTokenMismatch, token, req.TokenAddr)
		}
		if amount != req.Amount {
			return fmt.Errorf("%w: got %d want %d", ErrAmountMismatch, amount, req.Amount)
		}
		if recipient != req.CounterpartAddr {
			return fmt.Errorf("%w: got %s want %s", ErrRecipientMismatch, recipient, req.CounterpartAddr)
		}
		if c.Now() > req.Expiry {
			return fmt.Errorf("%w: expiry %d now %d", ErrIntentExpired, req.Expiry, c.Now())
		}

		a, err := v.bank.Withdraw(c, solver, token, amount)
		if err != nil {
			return err
		}
		if err := v.bank.Deposit(c, recipient, a); err != nil {
			return err
		}
		proof := gmpmsg.FulfillmentProof{
			ID:         intentID,
			SolverAddr: solver,
			Amount:     amount,
			Timestamp:  c.Now(),
		}
		nonce, err := v.endpoint.SendToTrusted(c, solver, rec.SrcChain, proof)
		if err != nil {
			return err
		}
		out = Fulfillment{
			IntentID:    intentID,
			OriginChain: rec.SrcChain,
			Solver:      solver,
			Recipient:   recipient,
			Token:       token,
			Amount:      amount,
			FulfilledAt: c.Now(),
			ProofNonce:  nonce,
		}
		return ledger.PutRecord(c, v.key(originChain, intentID), out)
	})
	if err != nil {
		return Fulfillment{}, err
	}
	v.log.Info("intent fulfilled", "originChain", originChain, "intentID", fmt.Sprintf("%x", intentID), "solver", solver.String(), "amount", amount, "proofNonce", out.ProofNonce)
	return out, nil
}

// Fulfillment returns the recorded fulfillment of intentID from originChain.
func (v *Validator) Fulfillment(ctx context.Context, originChain uint64, intentID [32]byte) (Fulfillment, error) {
	var f Fulfillment
	err := v.endpoint.Ledger().View(ctx, func(c *ledger.Call) error {
		ok, err := ledger.GetRecord(c, v.key(originChain, intentID), &f)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: chain %d intent %x", ErrNotFound, originChain, intentID)
		}
		return nil
	})
	return f, err
}

// Requirements returns the requirements originChain delivered for intentID.
func (v *Validator) Requirements(ctx context.Context, originChain uint64, intentID [32]byte) (requirements.Record, error) {
	var rec requirements.Record
	err := v.endpoint.Ledger().View(ctx, func(c *ledger.Call) error {
		var err error
		rec, err = v.reqs.Get(c, originChain, intentID)
		return err
	})
	return rec, err
}
