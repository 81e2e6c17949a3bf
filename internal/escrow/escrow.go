package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juno-intents/intents-gmp/internal/gmp"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/idempotency"
	"github.com/juno-intents/intents-gmp/internal/ledger"
	"github.com/juno-intents/intents-gmp/internal/requirements"
)

var (
	ErrInvalidConfig        = errors.New("escrow: invalid config")
	ErrRequirementsNotFound = requirements.ErrRequirementsNotFound
	ErrRequirementsClaimed  = requirements.ErrRequirementsClaimed
	ErrAmountMismatch       = errors.New("escrow: amount mismatch")
	ErrTokenMismatch        = errors.New("escrow: token mismatch")
	ErrRequesterMismatch    = errors.New("escrow: requester mismatch")
	ErrEscrowExists         = errors.New("escrow: escrow already exists")
	ErrEscrowNotFound       = errors.New("escrow: escrow not found")
	ErrIntentExpired        = errors.New("escrow: intent expired")
	ErrEscrowNotExpired     = errors.New("escrow: escrow not expired")
	ErrAlreadyFulfilled     = errors.New("escrow: already fulfilled")
	ErrEscrowCancelled      = errors.New("escrow: escrow cancelled")
	ErrUnauthorizedSolver   = errors.New("escrow: unauthorized solver")
	ErrUnauthorizedCaller   = errors.New("escrow: unauthorized caller")
)

type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusReleased
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusReleased:
		return "released"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Escrow is funds locked on this ledger against an intent created elsewhere.
type Escrow struct {
	IntentID [32]byte
	EscrowID [32]byte
	// OriginChain is where the intent lives; confirmations go there and
	// proofs must come from there.
	OriginChain    uint64
	Requester      gmpmsg.Address
	Token          gmpmsg.Address
	Amount         uint64
	ReservedSolver gmpmsg.Address
	Expiry         uint64
	Status         Status
	CreatedAt      uint64
	SettledAt      uint64
	// PaidTo is the solver for a release or the requester for a refund.
	PaidTo gmpmsg.Address
}

type Config struct {
	// Namespace prefixes every key this manager writes. Defaults to "escrow".
	Namespace string
}

// Manager is the receiving side of an inflow intent. It stores requirements
// delivered from the origin ledger, locks the requester's funds against them
// and releases those funds when a fulfillment proof arrives.
//
// Escrows are keyed by (origin chain, intent id). Only the origin that sent
// the requirements can settle the escrow built on them.
type Manager struct {
	cfg Config

	endpoint *gmp.Endpoint
	bank     *ledger.Bank
	reqs     *requirements.Store
	log      *slog.Logger
}

// New builds a Manager and registers its message handlers on ep.
func New(cfg Config, ep *gmp.Endpoint, bank *ledger.Bank, log *slog.Logger) (*Manager, error) {
	if ep == nil || bank == nil {
		return nil, fmt.Errorf("%w: nil endpoint/bank", ErrInvalidConfig)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "escrow"
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	m := &Manager{
		cfg:      cfg,
		endpoint: ep,
		bank:     bank,
		reqs:     requirements.New(cfg.Namespace, log),
		log:      log,
	}
	if err := ep.Register(gmpmsg.KindIntentRequirements, cfg.Namespace, gmp.HandlerFunc(m.receiveRequirements)); err != nil {
		return nil, err
	}
	if err := ep.Register(gmpmsg.KindFulfillmentProof, cfg.Namespace, gmp.HandlerFunc(m.receiveProof)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) key(originChain uint64, id [32]byte) []byte {
	return ledger.Key(m.cfg.Namespace+"/escrow", ledger.U64(originChain), id[:])
}

// Vault is the account holding the funds locked for intentID from originChain.
func (m *Manager) Vault(originChain uint64, intentID [32]byte) gmpmsg.Address {
	return idempotency.VaultAddressV1(fmt.Sprintf("%s/%d", m.cfg.Namespace, originChain), intentID)
}

func (m *Manager) receiveRequirements(c *ledger.Call, d gmp.Delivery, msg gmpmsg.Message) error {
	req, ok := msg.(gmpmsg.IntentRequirements)
	if !ok {
		return fmt.Errorf("%w: %T", gmpmsg.ErrKindMismatch, msg)
	}
	created, err := m.reqs.Put(c, d.SrcChain, req)
	if err != nil {
		return err
	}
	if created {
		m.log.Info("escrow requirements stored", "intentID", fmt.Sprintf("%x", req.ID), "srcChain", d.SrcChain, "amount", req.Amount)
	}
	return nil
}

// CreateEscrow locks amount of token from requester against the requirements
// originChain delivered for intentID and sends an EscrowConfirmation back to
// originChain. Nothing is locked when any check fails.
func (m *Manager) CreateEscrow(ctx context.Context, requester gmpmsg.Address, originChain uint64, intentID [32]byte, token gmpmsg.Address, amount uint64) (Escrow, error) {
	var out Escrow
	err := m.endpoint.Ledger().Call(ctx, func(c *ledger.Call) error {
		rec, err := m.reqs.Get(c, originChain, intentID)
		if err != nil {
			return err
		}
		req := rec.Requirements
		if amount != req.Amount {
			return fmt.Errorf("%w: got %d want %d", ErrAmountMismatch, amount, req.Amount)
		}
		if token != req.TokenAddr {
			return fmt.Errorf("%w: got %s want %s", ErrTokenMismatch, token, req.TokenAddr)
		}
		if requester != req.CounterpartAddr {
			return fmt.Errorf("%w: got %s want %s", ErrRequesterMismatch, requester, req.CounterpartAddr)
		}
		if c.Now() > req.Expiry {
			return fmt.Errorf("%w: expiry %d now %d", ErrIntentExpired, req.Expiry, c.Now())
		}
		exists, err := c.Has(m.key(originChain, intentID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: chain %d intent %x", ErrEscrowExists, originChain, intentID)
		}
		if err := requirements.Claim(c, originChain, intentID, m.cfg.Namespace); err != nil {
			return err
		}

		a, err := m.bank.Withdraw(c, requester, token, amount)
		if err != nil {
			return err
		}
		if err := m.bank.Deposit(c, m.Vault(originChain, intentID), a); err != nil {
			return err
		}

		e := Escrow{
			IntentID:       intentID,
			EscrowID:       idempotency.EscrowIDV1(c.ChainID(), intentID, requester),
			OriginChain:    rec.SrcChain,
			Requester:      requester,
			Token:          token,
			Amount:         amount,
			ReservedSolver: req.SolverAddr,
			Expiry:         req.Expiry,
			Status:         StatusCreated,
			CreatedAt:      c.Now(),
		}
		if err := ledger.PutRecord(c, m.key(originChain, intentID), e); err != nil {
			return err
		}
		confirmation := gmpmsg.EscrowConfirmation{
			ID:          intentID,
			EscrowID:    e.EscrowID,
			Amount:      amount,
			TokenAddr:   token,
			CreatorAddr: requester,
		}
		if _, err := m.endpoint.SendToTrusted(c, requester, rec.SrcChain, confirmation); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Escrow{}, err
	}
	m.log.Info("escrow created", "originChain", originChain, "intentID", fmt.Sprintf("%x", intentID), "escrowID", fmt.Sprintf("%x", out.EscrowID), "amount", amount)
	return out, nil
}

// receiveProof releases the escrow to the solver. The origin ledger decides
// whether fulfillment was on time, so local expiry is not consulted. A proof
// only reaches escrows its own source chain asked for.
func (m *Manager) receiveProof(c *ledger.Call, d gmp.Delivery, msg gmpmsg.Message) error {
	proof, ok := msg.(gmpmsg.FulfillmentProof)
	if !ok {
		return fmt.Errorf("%w: %T", gmpmsg.ErrKindMismatch, msg)
	}
	e, err := m.load(c, d.SrcChain, proof.ID)
	if errors.Is(err, ErrEscrowNotFound) {
		return fmt.Errorf("%w: %w", gmp.ErrNotApplicable, err)
	}
	if err != nil {
		return err
	}
	switch e.Status {
	case StatusReleased:
		return fmt.Errorf("%w: intent %x", ErrAlreadyFulfilled, proof.ID)
	case StatusCancelled:
		return fmt.Errorf("%w: intent %x", ErrEscrowCancelled, proof.ID)
	}
	payee := e.ReservedSolver
	if payee.IsZero() {
		payee = proof.SolverAddr
	} else if proof.SolverAddr != payee {
		return fmt.Errorf("%w: got %s want %s", ErrUnauthorizedSolver, proof.SolverAddr, payee)
	}
	if payee.IsZero() {
		return fmt.Errorf("%w: zero solver", ErrUnauthorizedSolver)
	}

	if err := m.payOut(c, &e, payee, StatusReleased); err != nil {
		return err
	}
	m.log.Info("escrow released", "intentID", fmt.Sprintf("%x", e.IntentID), "solver", payee.String(), "amount", e.Amount)
	return nil
}

// CancelEscrow refunds the requester after expiry. Only the requester or the
// ledger admin may cancel.
func (m *Manager) CancelEscrow(ctx context.Context, caller gmpmsg.Address, originChain uint64, intentID [32]byte) error {
	return m.endpoint.Ledger().Call(ctx, func(c *ledger.Call) error {
		e, err := m.load(c, originChain, intentID)
		if err != nil {
			return err
		}
		if caller != e.Requester {
			isAdmin, err := m.endpoint.Registry().IsAdmin(c, caller)
			if err != nil {
				return err
			}
			if !isAdmin {
				return fmt.Errorf("%w: %s", ErrUnauthorizedCaller, caller)
			}
		}
		switch e.Status {
		case StatusReleased:
			return fmt.Errorf("%w: intent %x", ErrAlreadyFulfilled, intentID)
		case StatusCancelled:
			return fmt.Errorf("%w: intent %x", ErrEscrowCancelled, intentID)
		}
		if c.Now() <= e.Expiry {
			return fmt.Errorf("%w: expiry %d now %d", ErrEscrowNotExpired, e.Expiry, c.Now())
		}
		if err := m.payOut(c, &e, e.Requester, StatusCancelled); err != nil {
			return err
		}
		m.log.Info("escrow cancelled", "intentID", fmt.Sprintf("%x", intentID), "caller", caller.String(), "amount", e.Amount)
		return nil
	})
}

func (m *Manager) payOut(c *ledger.Call, e *Escrow, to gmpmsg.Address, status Status) error {
	a, err := m.bank.Withdraw(c, m.Vault(e.OriginChain, e.IntentID), e.Token, e.Amount)
	if err != nil {
		return err
	}
	if err := m.bank.Deposit(c, to, a); err != nil {
		return err
	}
	e.Status = status
	e.SettledAt = c.Now()
	e.PaidTo = to
	return ledger.PutRecord(c, m.key(e.OriginChain, e.IntentID), *e)
}

func (m *Manager) load(c *ledger.Call, originChain uint64, id [32]byte) (Escrow, error) {
	var e Escrow
	ok, err := ledger.GetRecord(c, m.key(originChain, id), &e)
	if err != nil {
		return Escrow{}, err
	}
	if !ok {
		return Escrow{}, fmt.Errorf("%w: chain %d intent %x", ErrEscrowNotFound, originChain, id)
	}
	return e, nil
}

// Escrow returns the escrow locked for intentID from originChain.
func (m *Manager) Escrow(ctx context.Context, originChain uint64, intentID [32]byte) (Escrow, error) {
	var e Escrow
	err := m.endpoint.Ledger().View(ctx, func(c *ledger.Call) error {
		var err error
		e, err = m.load(c, originChain, intentID)
		return err
	})
	return e, err
}

// Requirements returns the requirements originChain delivered for intentID.
func (m *Manager) Requirements(ctx context.Context, originChain uint64, intentID [32]byte) (requirements.Record, error) {
	var rec requirements.Record
	err := m.endpoint.Ledger().View(ctx, func(c *ledger.Call) error {
		var err error
		rec, err = m.reqs.Get(c, originChain, intentID)
		return err
	})
	return rec, err
}
