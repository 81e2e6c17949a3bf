package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juno-intents/intents-gmp/internal/gmp"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
	"github.com/juno-intents/intents-gmp/internal/nonces"
	"github.com/juno-intents/intents-gmp/internal/registry"
)

const (
	originChain = uint64(1)
	localChain  = uint64(2)
	otherChain  = uint64(3)
)

var (
	admin      = gmpmsg.MustAddress("0xad")
	relayID    = gmpmsg.MustAddress("0x4e1a")
	originAddr = gmpmsg.MustAddress("0x0419")
	otherAddr  = gmpmsg.MustAddress("0x07e4")
	localAddr  = gmpmsg.MustAddress("0x10ca1")
	requester  = gmpmsg.MustAddress("0xbb")
	token      = gmpmsg.MustAddress("0xcc")
	solver     = gmpmsg.MustAddress("0xdd")
	stranger   = gmpmsg.MustAddress("0x5e")
	intentID   = [32]byte{0xaa}
)

type harness struct {
	t     *testing.T
	now   time.Time
	ep    *gmp.Endpoint
	bank  *ledger.Bank
	m     *Manager
	nonce uint64
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
	h.m, err = New(Config{}, h.ep, h.bank, nil)
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
		return h.bank.Mint(c, requester, token, 100)
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return h
}

func (h *harness) deliver(msg gmpmsg.Message) error {
	return h.deliverFrom(originChain, originAddr, msg)
}

func (h *harness) deliverFrom(src uint64, addr gmpmsg.Address, msg gmpmsg.Message) error {
	h.nonce++
	return h.ep.Deliver(context.Background(), relayID, src, addr, msg.Encode(), h.nonce)
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

func requirementsMsg() gmpmsg.IntentRequirements {
	return gmpmsg.IntentRequirements{
		ID:              intentID,
		CounterpartAddr: requester,
		Amount:          100,
		TokenAddr:       token,
		SolverAddr:      solver,
		Expiry:          9999,
	}
}

func proofMsg(s gmpmsg.Address) gmpmsg.FulfillmentProof {
	return gmpmsg.FulfillmentProof{ID: intentID, SolverAddr: s, Amount: 100, Timestamp: 1500}
}

func TestCreateEscrow_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	if _, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); !errors.Is(err, ErrRequirementsNotFound) {
		t.Fatalf("expected ErrRequirementsNotFound, got %v", err)
	}
	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}

	tests := []struct {
		name      string
		requester gmpmsg.Address
		token     gmpmsg.Address
		amount    uint64
		wantErr   error
	}{
		{name: "amount", requester: requester, token: token, amount: 99, wantErr: ErrAmountMismatch},
		{name: "token", requester: requester, token: stranger, amount: 100, wantErr: ErrTokenMismatch},
		{name: "requester", requester: stranger, token: token, amount: 100, wantErr: ErrRequesterMismatch},
	}
	for _, tc := range tests {
		if _, err := h.m.CreateEscrow(ctx, tc.requester, originChain, intentID, tc.token, tc.amount); !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}

	if got := h.balance(requester); got != 100 {
		t.Fatalf("requester balance: got %d want 100", got)
	}
	if got := h.balance(h.m.Vault(originChain, intentID)); got != 0 {
		t.Fatalf("vault balance: got %d want 0", got)
	}
	if out, _ := h.ep.PollOutbound(ctx, originChain, 0, 10); len(out) != 0 {
		t.Fatalf("unexpected outbound messages: %+v", out)
	}
}

func TestCreateEscrow_ExpiredOrDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}
	if _, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if _, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists, got %v", err)
	}

	other := newHarness(t)
	if err := other.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}
	other.now = time.Unix(10000, 0)
	if _, err := other.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected ErrIntentExpired, got %v", err)
	}
}

func TestEscrow_HappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}
	// Redelivery under a fresh nonce is a silent no-op.
	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("redeliver requirements: %v", err)
	}

	e, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if e.Status != StatusCreated || e.ReservedSolver != solver || e.OriginChain != originChain {
		t.Fatalf("unexpected escrow: %+v", e)
	}
	if got := h.balance(h.m.Vault(originChain, intentID)); got != 100 {
		t.Fatalf("vault balance: got %d want 100", got)
	}

	out, err := h.ep.PollOutbound(ctx, originChain, 0, 10)
	if err != nil || len(out) != 1 {
		t.Fatalf("PollOutbound: %+v, %v", out, err)
	}
	conf, err := gmpmsg.DecodeEscrowConfirmation(out[0].Payload)
	if err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	want := gmpmsg.EscrowConfirmation{ID: intentID, EscrowID: e.EscrowID, Amount: 100, TokenAddr: token, CreatorAddr: requester}
	if conf != want || out[0].DstAddr != originAddr {
		t.Fatalf("confirmation: got %+v want %+v", conf, want)
	}

	if err := h.deliver(proofMsg(solver)); err != nil {
		t.Fatalf("deliver proof: %v", err)
	}
	if got := h.balance(solver); got != 100 {
		t.Fatalf("solver balance: got %d want 100", got)
	}

	err = h.deliver(proofMsg(solver))
	if !errors.Is(err, ErrAlreadyFulfilled) || !gmp.NonceConsumed(err) {
		t.Fatalf("second proof: expected consumed ErrAlreadyFulfilled, got %v", err)
	}
	if got := h.balance(solver); got != 100 {
		t.Fatalf("solver balance after second proof: got %d want 100", got)
	}
	e, err = h.m.Escrow(ctx, originChain, intentID)
	if err != nil || e.Status != StatusReleased || e.PaidTo != solver {
		t.Fatalf("Escrow: %+v, %v", e, err)
	}
}

func TestEscrow_ProofChecks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	if err := h.deliver(proofMsg(solver)); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}
	if _, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := h.deliver(proofMsg(stranger)); !errors.Is(err, ErrUnauthorizedSolver) {
		t.Fatalf("expected ErrUnauthorizedSolver, got %v", err)
	}
	if got := h.balance(h.m.Vault(originChain, intentID)); got != 100 {
		t.Fatalf("vault balance: got %d want 100", got)
	}

	// Local expiry does not block a proof.
	h.now = time.Unix(20000, 0)
	if err := h.deliver(proofMsg(solver)); err != nil {
		t.Fatalf("deliver proof after expiry: %v", err)
	}
	if got := h.balance(solver); got != 100 {
		t.Fatalf("solver balance: got %d want 100", got)
	}
}

func TestEscrow_OpenSolver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	req := requirementsMsg()
	req.SolverAddr = gmpmsg.Address{}
	if err := h.deliver(req); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}
	if _, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := h.deliver(proofMsg(stranger)); err != nil {
		t.Fatalf("deliver proof: %v", err)
	}
	if got := h.balance(stranger); got != 100 {
		t.Fatalf("solver balance: got %d want 100", got)
	}
}

func TestCancelEscrow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}
	if _, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := h.m.CancelEscrow(ctx, requester, originChain, intentID); !errors.Is(err, ErrEscrowNotExpired) {
		t.Fatalf("expected ErrEscrowNotExpired, got %v", err)
	}

	h.now = time.Unix(10000, 0)
	if err := h.m.CancelEscrow(ctx, stranger, originChain, intentID); !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("expected ErrUnauthorizedCaller, got %v", err)
	}
	if err := h.m.CancelEscrow(ctx, requester, originChain, intentID); err != nil {
		t.Fatalf("CancelEscrow: %v", err)
	}
	if got := h.balance(requester); got != 100 {
		t.Fatalf("requester balance: got %d want 100", got)
	}
	if got := h.balance(h.m.Vault(originChain, intentID)); got != 0 {
		t.Fatalf("vault balance: got %d want 0", got)
	}

	if err := h.deliver(proofMsg(solver)); !errors.Is(err, ErrEscrowCancelled) {
		t.Fatalf("late proof: expected ErrEscrowCancelled, got %v", err)
	}
	if err := h.m.CancelEscrow(ctx, admin, originChain, intentID); !errors.Is(err, ErrEscrowCancelled) {
		t.Fatalf("second cancel: expected ErrEscrowCancelled, got %v", err)
	}
}

func TestCancelEscrow_AdminAfterRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements: %v", err)
	}
	if _, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := h.deliver(proofMsg(solver)); err != nil {
		t.Fatalf("deliver proof: %v", err)
	}
	h.now = time.Unix(10000, 0)
	if err := h.m.CancelEscrow(ctx, admin, originChain, intentID); !errors.Is(err, ErrAlreadyFulfilled) {
		t.Fatalf("expected ErrAlreadyFulfilled, got %v", err)
	}
}

// A second trusted origin that reuses an intent id must not capture escrows
// built on the first origin's requirements.
func TestEscrow_IntentIDReusedByAnotherOrigin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	squat := requirementsMsg()
	squat.SolverAddr = gmpmsg.Address{}
	if err := h.deliverFrom(otherChain, otherAddr, squat); err != nil {
		t.Fatalf("deliver requirements from chain %d: %v", otherChain, err)
	}
	if err := h.deliver(requirementsMsg()); err != nil {
		t.Fatalf("deliver requirements from chain %d: %v", originChain, err)
	}

	rec, err := h.m.Requirements(ctx, originChain, intentID)
	if err != nil || rec.Requirements != requirementsMsg() {
		t.Fatalf("origin requirements: %+v, %v", rec, err)
	}

	e, err := h.m.CreateEscrow(ctx, requester, originChain, intentID, token, 100)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if e.OriginChain != originChain || e.ReservedSolver != solver {
		t.Fatalf("unexpected escrow: %+v", e)
	}
	if out, _ := h.ep.PollOutbound(ctx, originChain, 0, 10); len(out) != 1 {
		t.Fatalf("confirmation to origin: got %d messages want 1", len(out))
	}
	if out, _ := h.ep.PollOutbound(ctx, otherChain, 0, 10); len(out) != 0 {
		t.Fatalf("unexpected confirmation to chain %d: %+v", otherChain, out)
	}

	// A proof from the other origin finds no escrow of its own.
	err = h.deliverFrom(otherChain, otherAddr, proofMsg(stranger))
	if !errors.Is(err, ErrEscrowNotFound) || !gmp.NonceConsumed(err) {
		t.Fatalf("proof from chain %d: expected consumed ErrEscrowNotFound, got %v", otherChain, err)
	}
	if got := h.balance(stranger); got != 0 {
		t.Fatalf("stranger balance: got %d want 0", got)
	}
	if got := h.balance(h.m.Vault(originChain, intentID)); got != 100 {
		t.Fatalf("vault balance: got %d want 100", got)
	}

	if err := h.deliver(proofMsg(solver)); err != nil {
		t.Fatalf("deliver proof: %v", err)
	}
	if got := h.balance(solver); got != 100 {
		t.Fatalf("solver balance: got %d want 100", got)
	}
}
