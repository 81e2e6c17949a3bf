package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juno-intents/intents-gmp/internal/escrow"
	"github.com/juno-intents/intents-gmp/internal/gmp"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
	"github.com/juno-intents/intents-gmp/internal/nonces"
	"github.com/juno-intents/intents-gmp/internal/registry"
)

const (
	originChain = uint64(1)
	localChain  = uint64(3)
	otherChain  = uint64(4)
)

var (
	admin      = gmpmsg.MustAddress("0xad")
	relayID    = gmpmsg.MustAddress("0x4e1a")
	originAddr = gmpmsg.MustAddress("0x0419")
	otherAddr  = gmpmsg.MustAddress("0x07e4")
	localAddr  = gmpmsg.MustAddress("0x10ca1")
	recipient  = gmpmsg.MustAddress("0xbb")
	token      = gmpmsg.MustAddress("0xcc")
	solver     = gmpmsg.MustAddress("0xdd")
	stranger   = gmpmsg.MustAddress("0x5e")
	intentID   = [32]byte{0xaa}
)

type harness struct {
	t    *testing.T
	now  time.Time
	ep   *gmp.Endpoint
	bank *ledger.Bank
	v    *Validator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{t: t, now: time.Unix(1000, 0)}
	l, err := ledger.New(ledger.Config{ChainID: localChain, Now: func() time.Time { return h.now }}, ledger.NewMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	reg := registry.New()
	h.ep, err = gmp.New(gmp.Config{Address: localAddr}, l, nonces.New(), reg, nil)
	if err != nil {
		t.Fatalf("gmp.New: %v", err)
	}
	h.bank = ledger.NewBank()
	h.v, err = New(Config{}, h.ep, h.bank, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = l.Call(context.Background(), func(c *ledger.Call) error {
		if err := reg.InitAdmin(c, admin); err != nil {
			return err
		}
		if err := reg.SetTrustedRemote(c, admin, originChain, originAddr); err != nil {
			return err
		}
		if err := reg.SetTrustedRemote(c, admin, otherChain, otherAddr); err != nil {
			return err
		}
		if err := reg.AddRelay(c, admin, relayID); err != nil {
			return err
		}
		if err := h.bank.Mint(c, solver, token, 500); err != nil {
			return err
		}
		return h.bank.Mint(c, stranger, token, 500)
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return h
}

func (h *harness) balance(owner gmpmsg.Address) uint64 {
	h.t.Helper()
	var bal uint64
	err := h.ep.Ledger().View(context.Background(), func(c *ledger.Call) error {
		var err error
		bal, err = h.bank.Balance(c, owner, token)
		return err
	})
	if err != nil {
		h.t.Fatalf("Balance: %v", err)
	}
	return bal
}

func requirementsMsg(solverAddr gmpmsg.Address) gmpmsg.IntentRequirements {
	return gmpmsg.IntentRequirements{
		ID:              intentID,
		CounterpartAddr: recipient,
		Amount:          100,
		TokenAddr:       token,
		SolverAddr:      solverAddr,
		Expiry:          9999,
	}
}

func TestFulfillIntent_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	if _, err := h.v.FulfillIntent(ctx, solver, originChain, intentID, token, 100, recipient); !errors.Is(err, ErrRequirementsNotFound) {
		t.Fatalf("expected ErrRequirementsNotFound, got %v", err)
	}
	if err := h.ep.Deliver(ctx, relayID, originChain, originAddr, requirementsMsg(solver).Encode(), 1); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	tests := []struct {
		name      string
		solver    gmpmsg.Address
		token     gmpmsg.Address
		amount    uint64
		recipient gmpmsg.Address
		wantErr   error
	}{
		{name: "solver", solver: stranger, token: token, amount: 100, recipient: recipient, wantErr: ErrUnauthorizedSolver},
		{name: "token", solver: solver, token: stranger, amount: 100, recipient: recipient, wantErr: ErrTokenMismatch},
		{name: "amount", solver: solver, token: token, amount: 99, recipient: recipient, wantErr: ErrAmountMismatch},
		{name: "recipient", solver: solver, token: token, amount: 100, recipient: stranger, wantErr: ErrRecipientMismatch},
	}
	for _, tc := range tests {
		if _, err := h.v.FulfillIntent(ctx, tc.solver, originChain, intentID, tc.token, tc.amount, tc.recipient); !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}

	h.now = time.Unix(10000, 0)
	if _, err := h.v.FulfillIntent(ctx, solver, originChain, intentID, token, 100, recipient); !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected ErrIntentExpired, got %v", err)
	}

	if got := h.balance(solver); got != 500 {
		t.Fatalf("solver balance: got %d want 500", got)
	}
	if out, _ := h.ep.PollOutbound(ctx, originChain, 0, 10); len(out) != 0 {
		t.Fatalf("unexpected outbound messages: %+v", out)
	}
}

func TestFulfillIntent_TransfersAndSendsProof(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	if err := h.ep.Deliver(ctx, relayID, originChain, originAddr, requirementsMsg(solver).Encode(), 1); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	f, err := h.v.FulfillIntent(ctx, solver, originChain, intentID, token, 100, recipient)
	if err != nil {
		t.Fatalf("FulfillIntent: %v", err)
	}
	if f.ProofNonce != 1 || f.FulfilledAt != 1000 || f.OriginChain != originChain {
		t.Fatalf("unexpected fulfillment: %+v", f)
	}
	if got := h.balance(recipient); got != 100 {
		t.Fatalf("recipient balance: got %d want 100", got)
	}
	if got := h.balance(solver); got != 400 {
		t.Fatalf("solver balance: got %d want 400", got)
	}

	o, err := h.ep.Outbound(ctx, originChain, 1)
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	proof, err := gmpmsg.DecodeFulfillmentProof(o.Payload)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	want := gmpmsg.FulfillmentProof{ID: intentID, SolverAddr: solver, Amount: 100, Timestamp: 1000}
	if proof != want || o.Sender != solver {
		t.Fatalf("proof: got %+v want %+v", proof, want)
	}

	if _, err := h.v.FulfillIntent(ctx, solver, originChain, intentID, token, 100, recipient); !errors.Is(err, ErrAlreadyFulfilled) {
		t.Fatalf("expected ErrAlreadyFulfilled, got %v", err)
	}
	if got := h.balance(recipient); got != 100 {
		t.Fatalf("recipient balance after retry: got %d want 100", got)
	}
}

func TestFulfillIntent_InsufficientFundsSendsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	req := requirementsMsg(gmpmsg.Address{})
	req.Amount = 1000
	if err := h.ep.Deliver(ctx, relayID, originChain, originAddr, req.Encode(), 1); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, err := h.v.FulfillIntent(ctx, stranger, originChain, intentID, token, 1000, recipient); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if out, _ := h.ep.PollOutbound(ctx, originChain, 0, 10); len(out) != 0 {
		t.Fatalf("proof emitted without transfer: %+v", out)
	}
}

// A ledger may host both counterpart managers; each keeps its own copy of
// the requirements from one delivery.
func TestRequirements_SharedWithEscrowManager(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	em, err := escrow.New(escrow.Config{}, h.ep, h.bank, nil)
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	if err := h.ep.Deliver(ctx, relayID, originChain, originAddr, requirementsMsg(solver).Encode(), 1); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, err := h.v.Requirements(ctx, originChain, intentID); err != nil {
		t.Fatalf("validator requirements: %v", err)
	}
	if _, err := em.Requirements(ctx, originChain, intentID); err != nil {
		t.Fatalf("escrow requirements: %v", err)
	}
}

// The proof for a fulfillment goes to the origin the solver named, even when
// another origin delivered requirements under the same intent id first.
func TestFulfillIntent_IntentIDReusedByAnotherOrigin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	squat := requirementsMsg(gmpmsg.Address{})
	squat.CounterpartAddr = stranger
	if err := h.ep.Deliver(ctx, relayID, otherChain, otherAddr, squat.Encode(), 1); err != nil {
		t.Fatalf("Deliver from chain %d: %v", otherChain, err)
	}
	if err := h.ep.Deliver(ctx, relayID, originChain, originAddr, requirementsMsg(solver).Encode(), 1); err != nil {
		t.Fatalf("Deliver from chain %d: %v", originChain, err)
	}

	if _, err := h.v.FulfillIntent(ctx, solver, originChain, intentID, token, 100, stranger); !errors.Is(err, ErrRecipientMismatch) {
		t.Fatalf("expected ErrRecipientMismatch, got %v", err)
	}
	if _, err := h.v.FulfillIntent(ctx, solver, originChain, intentID, token, 100, recipient); err != nil {
		t.Fatalf("FulfillIntent: %v", err)
	}
	if out, _ := h.ep.PollOutbound(ctx, originChain, 0, 10); len(out) != 1 {
		t.Fatalf("proof to origin: got %d messages want 1", len(out))
	}
	if out, _ := h.ep.PollOutbound(ctx, otherChain, 0, 10); len(out) != 0 {
		t.Fatalf("unexpected proof to chain %d: %+v", otherChain, out)
	}
	if _, err := h.v.Fulfillment(ctx, otherChain, intentID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("chain %d fulfillment: expected ErrNotFound, got %v", otherChain, err)
	}
}

// Requirements carry no direction. Once the escrow manager locks funds
// against a record, the validator on the same ledger refuses it, and the
// other way round.
func TestFulfillIntent_ExcludesEscrowOnSameRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	em, err := escrow.New(escrow.Config{}, h.ep, h.bank, nil)
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	err = h.ep.Ledger().Call(ctx, func(c *ledger.Call) error {
		return h.bank.Mint(c, recipient, token, 100)
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := h.ep.Deliver(ctx, relayID, originChain, originAddr, requirementsMsg(solver).Encode(), 1); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := h.ep.Deliver(ctx, relayID, otherChain, otherAddr, requirementsMsg(solver).Encode(), 1); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	// Record from originChain: escrow first.
	if _, err := em.CreateEscrow(ctx, recipient, originChain, intentID, token, 100); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if _, err := h.v.FulfillIntent(ctx, solver, originChain, intentID, token, 100, recipient); !errors.Is(err, ErrRequirementsClaimed) {
		t.Fatalf("expected ErrRequirementsClaimed, got %v", err)
	}
	if got := h.balance(solver); got != 500 {
		t.Fatalf("solver balance: got %d want 500", got)
	}

	// Record from otherChain: fulfillment first.
	if _, err := h.v.FulfillIntent(ctx, solver, otherChain, intentID, token, 100, recipient); err != nil {
		t.Fatalf("FulfillIntent: %v", err)
	}
	if _, err := em.CreateEscrow(ctx, recipient, otherChain, intentID, token, 100); !errors.Is(err, escrow.ErrRequirementsClaimed) {
		t.Fatalf("expected escrow.ErrRequirementsClaimed, got %v", err)
	}
}
