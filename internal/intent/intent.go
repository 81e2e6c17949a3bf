package intent

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
)

var (
	ErrInvalidConfig        = errors.New("intent: invalid config")
	ErrInvalidIntent        = errors.New("intent: invalid intent")
	ErrIntentExists         = errors.New("intent: intent already exists")
	ErrIntentNotFound       = errors.New("intent: intent not found")
	ErrReservationInvalid   = errors.New("intent: reservation rejected")
	ErrWrongDirection       = errors.New("intent: wrong direction")
	ErrSourceMismatch       = errors.New("intent: message from unexpected chain")
	ErrConfirmationMismatch = errors.New("intent: escrow confirmation mismatch")
	ErrAmountMismatch       = errors.New("intent: amount mismatch")
	ErrNotFulfillable       = errors.New("intent: intent not fulfillable")
	ErrUnauthorizedSolver   = errors.New("intent: unauthorized solver")
	ErrUnauthorizedCaller   = errors.New("intent: unauthorized caller")
	ErrIntentExpired        = errors.New("intent: intent expired")
	ErrIntentNotExpired     = errors.New("intent: intent not expired")
	ErrAlreadyFulfilled     = errors.New("intent: already fulfilled")
	ErrIntentCancelled      = errors.New("intent: intent cancelled")
)

type Direction uint8

const (
	// Inflow intents offer funds on a counterpart ledger and settle here.
	Inflow Direction = iota + 1
	// Outflow intents lock offered funds here and are fulfilled on a
	// counterpart ledger.
	Outflow
)

func (d Direction) String() string {
	switch d {
	case Inflow:
		return "inflow"
	case Outflow:
		return "outflow"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

type Status uint8

const (
	StatusReserved Status = iota + 1
	StatusAwaitingEscrowConfirmation
	StatusFulfillable
	StatusFulfilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusReserved:
		return "reserved"
	case StatusAwaitingEscrowConfirmation:
		return "awaiting_escrow_confirmation"
	case StatusFulfillable:
		return "fulfillable"
	case StatusFulfilled:
		return "fulfilled"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Terminal() bool { return s == StatusFulfilled || s == StatusCancelled }

// Draft is a requester's intent before the reservation is verified.
type Draft struct {
	ID            [32]byte
	OfferedAsset  gmpmsg.Address
	OfferedAmount uint64
	OfferedChain  uint64
	DesiredAsset  gmpmsg.Address
	DesiredAmount uint64
	DesiredChain  uint64
	Requester     gmpmsg.Address
	// CounterpartAddr is the requester's account on the counterpart ledger:
	// the escrow creator for inflows, the recipient for outflows.
	CounterpartAddr gmpmsg.Address
	Expiry          uint64
}

type Intent struct {
	ID              [32]byte
	Direction       Direction
	OfferedAsset    gmpmsg.Address
	OfferedAmount   uint64
	OfferedChain    uint64
	DesiredAsset    gmpmsg.Address
	DesiredAmount   uint64
	DesiredChain    uint64
	Requester       gmpmsg.Address
	CounterpartAddr gmpmsg.Address
	Expiry          uint64
	// ReservedSolver is zero when any solver may fulfill. It never changes
	// after creation.
	ReservedSolver gmpmsg.Address
	Status         Status
	EscrowID       [32]byte
	Solver         gmpmsg.Address
	CreatedAt      uint64
	UpdatedAt      uint64
}

// CounterpartChain is the ledger the intent exchanges messages with.
func (i Intent) CounterpartChain() uint64 {
	if i.Direction == Inflow {
		return i.OfferedChain
	}
	return i.DesiredChain
}

// ReservationVerifier checks a solver's signed reservation of a draft. It
// returns the reserving solver, or false if the reservation is not valid.
type ReservationVerifier interface {
	VerifyReservation(ctx context.Context, draft Draft, signature []byte) (gmpmsg.Address, bool, error)
}

type ReservationVerifierFunc func(ctx context.Context, draft Draft, signature []byte) (gmpmsg.Address, bool, error)

func (f ReservationVerifierFunc) VerifyReservation(ctx context.Context, draft Draft, signature []byte) (gmpmsg.Address, bool, error) {
	return f(ctx, draft, signature)
}

type Config struct {
	// Namespace prefixes every key this manager writes. Defaults to "intent".
	Namespace string
}

// Manager owns the origin-side lifecycle of intents on one ledger.
type Manager struct {
	cfg Config

	endpoint *gmp.Endpoint
	bank     *ledger.Bank
	verifier ReservationVerifier
	log      *slog.Logger
}

// New builds a Manager and registers its handlers on ep. A nil verifier
// accepts every draft as open to any solver.
func New(cfg Config, ep *gmp.Endpoint, bank *ledger.Bank, verifier ReservationVerifier, log *slog.Logger) (*Manager, error) {
	if ep == nil || bank == nil {
		return nil, fmt.Errorf("%w: nil endpoint/bank", ErrInvalidConfig)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "intent"
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	m := &Manager{
		cfg:      cfg,
		endpoint: ep,
		bank:     bank,
		verifier: verifier,
		log:      log,
	}
	if err := ep.Register(gmpmsg.KindEscrowConfirmation, cfg.Namespace, gmp.HandlerFunc(m.receiveEscrowConfirmation)); err != nil {
		return nil, err
	}
	if err := ep.Register(gmpmsg.KindFulfillmentProof, cfg.Namespace, gmp.HandlerFunc(m.receiveFulfillmentProof)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) key(id [32]byte) []byte {
	return ledger.Key(m.cfg.Namespace+"/intent", id[:])
}

func (m *Manager) activeKey() []byte {
	return []byte(m.cfg.Namespace + "/active")
}

// Vault is the account holding an outflow intent's offered funds.
func (m *Manager) Vault(intentID [32]byte) gmpmsg.Address {
	return idempotency.VaultAddressV1(m.cfg.Namespace, intentID)
}

// CreateIntent verifies the reservation and opens the intent. Exactly one of
// the draft's chains must be this ledger; that fixes the direction. Inflows
// wait for an escrow on the offered chain. Outflows lock the offered funds
// here and become fulfillable at once. Either way the requirements are sent
// to the counterpart ledger in the same call.
func (m *Manager) CreateIntent(ctx context.Context, draft Draft, signature []byte) (Intent, error) {
	solver := gmpmsg.Address{}
	if m.verifier != nil {
		s, ok, err := m.verifier.VerifyReservation(ctx, draft, signature)
		if err != nil {
			return Intent{}, err
		}
		if !ok {
			return Intent{}, ErrReservationInvalid
		}
		solver = s
	}

	var out Intent
	err := m.endpoint.Ledger().Call(ctx, func(c *ledger.Call) error {
		dir, err := validateDraft(draft, c.ChainID(), c.Now())
		if err != nil {
			return err
		}
		exists, err := c.Has(m.key(draft.ID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %x", ErrIntentExists, draft.ID)
		}

		in := Intent{
			ID:              draft.ID,
			Direction:       dir,
			OfferedAsset:    draft.OfferedAsset,
			OfferedAmount:   draft.OfferedAmount,
			OfferedChain:    draft.OfferedChain,
			DesiredAsset:    draft.DesiredAsset,
			DesiredAmount:   draft.DesiredAmount,
			DesiredChain:    draft.DesiredChain,
			Requester:       draft.Requester,
			CounterpartAddr: draft.CounterpartAddr,
			Expiry:          draft.Expiry,
			ReservedSolver:  solver,
			Status:          StatusReserved,
			CreatedAt:       c.Now(),
		}

		req := gmpmsg.IntentRequirements{
			ID:              in.ID,
			CounterpartAddr: in.CounterpartAddr,
			SolverAddr:      solver,
			Expiry:          in.Expiry,
		}
		switch dir {
		case Inflow:
			req.Amount = in.OfferedAmount
			req.TokenAddr = in.OfferedAsset
			in.Status = StatusAwaitingEscrowConfirmation
		case Outflow:
			a, err := m.bank.Withdraw(c, in.Requester, in.OfferedAsset, in.OfferedAmount)
			if err != nil {
				return err
			}
			if err := m.bank.Deposit(c, m.Vault(in.ID), a); err != nil {
				return err
			}
			req.Amount = in.DesiredAmount
			req.TokenAddr = in.DesiredAsset
			in.Status = StatusFulfillable
		}
		if _, err := m.endpoint.SendToTrusted(c, in.Requester, in.CounterpartChain(), req); err != nil {
			return err
		}
		if err := m.save(c, &in); err != nil {
			return err
		}
		out = in
		return nil
	})
	if err != nil {
		return Intent{}, err
	}
	m.log.Info("intent created",
		"intentID", fmt.Sprintf("%x", out.ID),
		"direction", out.Direction.String(),
		"status", out.Status.String(),
		"counterpartChain", out.CounterpartChain(),
	)
	return out, nil
}

func validateDraft(d Draft, local, now uint64) (Direction, error) {
	if d.ID == ([32]byte{}) {
		return 0, fmt.Errorf("%w: zero id", ErrInvalidIntent)
	}
	if d.Requester.IsZero() || d.CounterpartAddr.IsZero() {
		return 0, fmt.Errorf("%w: requester and counterpart address are required", ErrInvalidIntent)
	}
	if d.OfferedAmount == 0 || d.DesiredAmount == 0 {
		return 0, fmt.Errorf("%w: amounts must be non-zero", ErrInvalidIntent)
	}
	if d.Expiry <= now {
		return 0, fmt.Errorf("%w: expiry %d not after now %d", ErrInvalidIntent, d.Expiry, now)
	}
	switch {
	case d.OfferedChain == d.DesiredChain:
		return 0, fmt.Errorf("%w: offered and desired chain are both %d", ErrInvalidIntent, d.OfferedChain)
	case d.DesiredChain == local:
		return Inflow, nil
	case d.OfferedChain == local:
		return Outflow, nil
	default:
		return 0, fmt.Errorf("%w: neither chain is local chain %d", ErrInvalidIntent, local)
	}
}

func (m *Manager) receiveEscrowConfirmation(c *ledger.Call, d gmp.Delivery, msg gmpmsg.Message) error {
	conf, ok := msg.(gmpmsg.EscrowConfirmation)
	if !ok {
		return fmt.Errorf("%w: %T", gmpmsg.ErrKindMismatch, msg)
	}
	in, err := m.loadForMessage(c, conf.ID)
	if err != nil {
		return err
	}
	if in.Direction != Inflow {
		return fmt.Errorf("%w: confirmation for %s intent", ErrWrongDirection, in.Direction)
	}
	if d.SrcChain != in.OfferedChain {
		return fmt.Errorf("%w: got %d want %d", ErrSourceMismatch, d.SrcChain, in.OfferedChain)
	}
	if conf.Amount != in.OfferedAmount || conf.TokenAddr != in.OfferedAsset || conf.CreatorAddr != in.CounterpartAddr {
		return fmt.Errorf("%w: intent %x", ErrConfirmationMismatch, in.ID)
	}

	switch in.Status {
	case StatusAwaitingEscrowConfirmation:
	case StatusFulfillable, StatusFulfilled:
		return nil
	case StatusCancelled:
		return fmt.Errorf("%w: intent %x", ErrIntentCancelled, in.ID)
	default:
		return fmt.Errorf("%w: unexpected status %s", ErrNotFulfillable, in.Status)
	}
	in.Status = StatusFulfillable
	in.EscrowID = conf.EscrowID
	if err := m.save(c, &in); err != nil {
		return err
	}
	m.log.Info("escrow confirmed", "intentID", fmt.Sprintf("%x", in.ID), "escrowID", fmt.Sprintf("%x", conf.EscrowID))
	return nil
}

// FulfillInflow pays the requester the desired asset from solver and sends a
// FulfillmentProof to the offered chain, where the escrow is released.
func (m *Manager) FulfillInflow(ctx context.Context, solver gmpmsg.Address, intentID [32]byte) (Intent, error) {
	var out Intent
	err := m.endpoint.Ledger().Call(ctx, func(c *ledger.Call) error {
		in, err := m.load(c, intentID)
		if err != nil {
			return err
		}
		if in.Direction != Inflow {
			return fmt.Errorf("%w: %s intent is fulfilled on chain %d", ErrWrongDirection, in.Direction, in.DesiredChain)
		}
		if err := statusAllowsFulfillment(in); err != nil {
			return err
		}
		if c.Now() > in.Expiry {
			return fmt.Errorf("%w: expiry %d now %d", ErrIntentExpired, in.Expiry, c.Now())
		}
		if err := checkSolver(in, solver); err != nil {
			return err
		}

		if err := m.bank.Transfer(c, solver, in.Requester, in.DesiredAsset, in.DesiredAmount); err != nil {
			return err
		}
		proof := gmpmsg.FulfillmentProof{
			ID:         in.ID,
			SolverAddr: solver,
			Amount:     in.DesiredAmount,
			Timestamp:  c.Now(),
		}
		if _, err := m.endpoint.SendToTrusted(c, solver, in.OfferedChain, proof); err != nil {
			return err
		}
		in.Status = StatusFulfilled
		in.Solver = solver
		if err := m.save(c, &in); err != nil {
			return err
		}
		out = in
		return nil
	})
	if err != nil {
		return Intent{}, err
	}
	m.log.Info("intent fulfilled", "intentID", fmt.Sprintf("%x", intentID), "solver", solver.String())
	return out, nil
}

// receiveFulfillmentProof settles an outflow intent: the solver already paid
// on the desired chain, so the locked offered funds go to the solver.
func (m *Manager) receiveFulfillmentProof(c *ledger.Call, d gmp.Delivery, msg gmpmsg.Message) error {
	proof, ok := msg.(gmpmsg.FulfillmentProof)
	if !ok {
		return fmt.Errorf("%w: %T", gmpmsg.ErrKindMismatch, msg)
	}
	in, err := m.loadForMessage(c, proof.ID)
	if err != nil {
		return err
	}
	if in.Direction != Outflow {
		return fmt.Errorf("%w: %v: proof for %s intent", gmp.ErrNotApplicable, ErrWrongDirection, in.Direction)
	}
	if d.SrcChain != in.DesiredChain {
		return fmt.Errorf("%w: got %d want %d", ErrSourceMismatch, d.SrcChain, in.DesiredChain)
	}
	if err := statusAllowsFulfillment(in); err != nil {
		return err
	}
	if err := checkSolver(in, proof.SolverAddr); err != nil {
		return err
	}
	if proof.Amount != in.DesiredAmount {
		return fmt.Errorf("%w: proof %d want %d", ErrAmountMismatch, proof.Amount, in.DesiredAmount)
	}

	a, err := m.bank.Withdraw(c, m.Vault(in.ID), in.OfferedAsset, in.OfferedAmount)
	if err != nil {
		return err
	}
	if err := m.bank.Deposit(c, proof.SolverAddr, a); err != nil {
		return err
	}
	in.Status = StatusFulfilled
	in.Solver = proof.SolverAddr
	if err := m.save(c, &in); err != nil {
		return err
	}
	m.log.Info("outflow settled", "intentID", fmt.Sprintf("%x", in.ID), "solver", proof.SolverAddr.String(), "amount", in.OfferedAmount)
	return nil
}

// CancelIntent closes an expired intent. Outflow vault funds go back to the
// requester. Only the requester or the ledger admin may cancel.
func (m *Manager) CancelIntent(ctx context.Context, caller gmpmsg.Address, intentID [32]byte) error {
	return m.endpoint.Ledger().Call(ctx, func(c *ledger.Call) error {
		in, err := m.load(c, intentID)
		if err != nil {
			return err
		}
		if caller != in.Requester {
			isAdmin, err := m.endpoint.Registry().IsAdmin(c, caller)
			if err != nil {
				return err
			}
			if !isAdmin {
				return fmt.Errorf("%w: %s", ErrUnauthorizedCaller, caller)
			}
		}
		switch in.Status {
		case StatusFulfilled:
			return fmt.Errorf("%w: intent %x", ErrAlreadyFulfilled, intentID)
		case StatusCancelled:
			return fmt.Errorf("%w: intent %x", ErrIntentCancelled, intentID)
		}
		if c.Now() <= in.Expiry {
			return fmt.Errorf("%w: expiry %d now %d", ErrIntentNotExpired, in.Expiry, c.Now())
		}
		if in.Direction == Outflow {
			a, err := m.bank.Withdraw(c, m.Vault(in.ID), in.OfferedAsset, in.OfferedAmount)
			if err != nil {
				return err
			}
			if err := m.bank.Deposit(c, in.Requester, a); err != nil {
				return err
			}
		}
		in.Status = StatusCancelled
		if err := m.save(c, &in); err != nil {
			return err
		}
		m.log.Info("intent cancelled", "intentID", fmt.Sprintf("%x", intentID), "caller", caller.String())
		return nil
	})
}

func statusAllowsFulfillment(in Intent) error {
	switch in.Status {
	case StatusFulfillable:
		return nil
	case StatusFulfilled:
		return fmt.Errorf("%w: intent %x", ErrAlreadyFulfilled, in.ID)
	case StatusCancelled:
		return fmt.Errorf("%w: intent %x", ErrIntentCancelled, in.ID)
	default:
		return fmt.Errorf("%w: intent %x is %s", ErrNotFulfillable, in.ID, in.Status)
	}
}

func checkSolver(in Intent, solver gmpmsg.Address) error {
	if solver.IsZero() || (!in.ReservedSolver.IsZero() && solver != in.ReservedSolver) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedSolver, solver)
	}
	return nil
}

// Intent returns the intent with id, active or not.
func (m *Manager) Intent(ctx context.Context, id [32]byte) (Intent, error) {
	var in Intent
	err := m.endpoint.Ledger().View(ctx, func(c *ledger.Call) error {
		var err error
		in, err = m.load(c, id)
		return err
	})
	return in, err
}

// ListActive returns every intent that has not reached a terminal status.
func (m *Manager) ListActive(ctx context.Context) ([]Intent, error) {
	var out []Intent
	err := m.endpoint.Ledger().View(ctx, func(c *ledger.Call) error {
		ids, err := m.activeIDs(c)
		if err != nil {
			return err
		}
		for _, id := range ids {
			in, err := m.load(c, id)
			if err != nil {
				return err
			}
			out = append(out, in)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) load(c *ledger.Call, id [32]byte) (Intent, error) {
	var in Intent
	ok, err := ledger.GetRecord(c, m.key(id), &in)
	if err != nil {
		return Intent{}, err
	}
	if !ok {
		return Intent{}, fmt.Errorf("%w: %x", ErrIntentNotFound, id)
	}
	return in, nil
}

// loadForMessage marks unknown intents as not applicable so another handler
// on this ledger may own the message.
func (m *Manager) loadForMessage(c *ledger.Call, id [32]byte) (Intent, error) {
	in, err := m.load(c, id)
	if errors.Is(err, ErrIntentNotFound) {
		return Intent{}, fmt.Errorf("%w: %w", gmp.ErrNotApplicable, err)
	}
	return in, err
}

// save writes in and keeps the active index in step with its status.
func (m *Manager) save(c *ledger.Call, in *Intent) error {
	in.UpdatedAt = c.Now()
	if err := ledger.PutRecord(c, m.key(in.ID), *in); err != nil {
		return err
	}
	ids, err := m.activeIDs(c)
	if err != nil {
		return err
	}
	idx := -1
	for i, id := range ids {
		if id == in.ID {
			idx = i
			break
		}
	}
	switch {
	case in.Status.Terminal() && idx >= 0:
		ids = append(ids[:idx], ids[idx+1:]...)
	case !in.Status.Terminal() && idx < 0:
		ids = append(ids, in.ID)
	default:
		return nil
	}
	if len(ids) == 0 {
		c.Delete(m.activeKey())
		return nil
	}
	return ledger.PutRecord(c, m.activeKey(), ids)
}

func (m *Manager) activeIDs(c *ledger.Call) ([][32]byte, error) {
	var ids [][32]byte
	if _, err := ledger.GetRecord(c, m.activeKey(), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
