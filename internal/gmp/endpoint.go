package gmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
	"github.com/juno-intents/intents-gmp/internal/nonces"
	"github.com/juno-intents/intents-gmp/internal/registry"
)

var (
	ErrInvalidConfig     = errors.New("gmp: invalid config")
	ErrUnauthorizedRelay = errors.New("gmp: unauthorized relay")
	ErrMalformedMessage  = errors.New("gmp: malformed message")
	ErrNoHandler         = errors.New("gmp: no handler for message kind")
	ErrInvalidSend       = errors.New("gmp: invalid send")
	ErrNotFound          = errors.New("gmp: not found")

	// ErrNotApplicable is returned (wrapped) by a handler when the message
	// concerns state it does not own. A delivery fails only if every handler
	// for the kind reports it.
	ErrNotApplicable = errors.New("gmp: message not applicable")
)

const (
	outboxNamespace  = "gmp/outbox"
	receiptNamespace = "gmp/inbox"
)

// Delivery identifies an admitted inbound message.
type Delivery struct {
	SrcChain uint64
	SrcAddr  gmpmsg.Address
	Nonce    uint64
}

// Handler applies a decoded message to ledger state. Handlers must be
// idempotent: a delivery may be retried under a fresh nonce.
type Handler interface {
	HandleMessage(c *ledger.Call, d Delivery, msg gmpmsg.Message) error
}

type HandlerFunc func(c *ledger.Call, d Delivery, msg gmpmsg.Message) error

func (f HandlerFunc) HandleMessage(c *ledger.Call, d Delivery, msg gmpmsg.Message) error {
	return f(c, d, msg)
}

// Outbound is a message emitted by Send, waiting for a relay.
type Outbound struct {
	SrcChain  uint64
	SrcAddr   gmpmsg.Address
	DstChain  uint64
	DstAddr   gmpmsg.Address
	Nonce     uint64
	Sender    gmpmsg.Address
	Payload   []byte
	EmittedAt uint64
}

// Receipt records the outcome of an admitted delivery.
type Receipt struct {
	Kind        uint8
	Applied     bool
	Error       string
	Relay       gmpmsg.Address
	DeliveredAt uint64
}

// DispatchError is returned by Deliver when the message passed admission
// (its nonce is consumed) but decoding or a handler failed. Handler writes
// are discarded. Resubmitting the same nonce is rejected as a replay.
type DispatchError struct {
	SrcChain uint64
	Nonce    uint64
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("gmp: dispatch chain %d nonce %d: %v", e.SrcChain, e.Nonce, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NonceConsumed reports whether err came from a delivery whose nonce was
// consumed despite the failure.
func NonceConsumed(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

type Config struct {
	// Address is this endpoint's identity as seen by remote chains.
	Address gmpmsg.Address
}

// Endpoint is the only origination and admission point for cross-ledger
// messages on a ledger. It knows nothing about business semantics and routes
// decoded messages to handlers by kind.
type Endpoint struct {
	cfg Config

	ledger   *ledger.Ledger
	nonces   *nonces.Table
	registry *registry.Registry
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[gmpmsg.Kind][]namedHandler
}

type namedHandler struct {
	name string
	h    Handler
}

func New(cfg Config, l *ledger.Ledger, n *nonces.Table, r *registry.Registry, log *slog.Logger) (*Endpoint, error) {
	if cfg.Address.IsZero() {
		return nil, fmt.Errorf("%w: Address must be non-zero", ErrInvalidConfig)
	}
	if l == nil || n == nil || r == nil {
		return nil, fmt.Errorf("%w: nil ledger/nonces/registry", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Endpoint{
		cfg:      cfg,
		ledger:   l,
		nonces:   n,
		registry: r,
		log:      log,
		handlers: make(map[gmpmsg.Kind][]namedHandler),
	}, nil
}

func (e *Endpoint) ChainID() uint64 { return e.ledger.ChainID() }

func (e *Endpoint) Address() gmpmsg.Address { return e.cfg.Address }

func (e *Endpoint) Ledger() *ledger.Ledger { return e.ledger }

func (e *Endpoint) Registry() *registry.Registry { return e.registry }

// Register adds h to the handlers of kind. Several handlers may share a kind;
// they run in registration order within one delivery.
func (e *Endpoint) Register(kind gmpmsg.Kind, name string, h Handler) error {
	if _, err := gmpmsg.Size(kind); err != nil {
		return err
	}
	if h == nil || name == "" {
		return fmt.Errorf("%w: handler and name are required", ErrInvalidConfig)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, nh := range e.handlers[kind] {
		if nh.name == name {
			return fmt.Errorf("%w: handler %q already registered for %s", ErrInvalidConfig, name, kind)
		}
	}
	e.handlers[kind] = append(e.handlers[kind], namedHandler{name: name, h: h})
	return nil
}

// Send assigns the next outbound nonce for dstChain and records the message
// in the outbox. It runs inside the caller's ledger call so the message is
// emitted if and only if the caller's effects commit.
func (e *Endpoint) Send(c *ledger.Call, caller gmpmsg.Address, dstChain uint64, dstAddr gmpmsg.Address, payload []byte) (uint64, error) {
	if caller.IsZero() {
		return 0, fmt.Errorf("%w: zero caller", ErrInvalidSend)
	}
	if dstChain == 0 || dstChain == e.ChainID() {
		return 0, fmt.Errorf("%w: bad destination chain %d", ErrInvalidSend, dstChain)
	}
	if dstAddr.IsZero() {
		return 0, fmt.Errorf("%w: zero destination address", ErrInvalidSend)
	}
	if err := validatePayload(payload); err != nil {
		return 0, err
	}

	nonce, err := e.nonces.NextOutbound(c, dstChain)
	if err != nil {
		return 0, err
	}
	out := Outbound{
		SrcChain:  e.ChainID(),
		SrcAddr:   e.cfg.Address,
		DstChain:  dstChain,
		DstAddr:   dstAddr,
		Nonce:     nonce,
		Sender:    caller,
		Payload:   append([]byte(nil), payload...),
		EmittedAt: c.Now(),
	}
	if err := ledger.PutRecord(c, outboxKey(dstChain, nonce), out); err != nil {
		return 0, err
	}
	e.log.Debug("gmp message emitted", "srcChain", e.ChainID(), "dstChain", dstChain, "nonce", nonce, "kind", gmpmsg.Kind(payload[0]))
	return nonce, nil
}

// SendToTrusted sends msg to the trusted remote configured for dstChain.
func (e *Endpoint) SendToTrusted(c *ledger.Call, caller gmpmsg.Address, dstChain uint64, msg gmpmsg.Message) (uint64, error) {
	dst, err := e.registry.TrustedRemote(c, dstChain)
	if err != nil {
		return 0, err
	}
	return e.Send(c, caller, dstChain, dst, msg.Encode())
}

// Deliver admits a message relayed from srcChain. Checks run in order: relay
// authorization, trusted remote, nonce freshness. A failure there changes no
// state. After admission the nonce is consumed; the payload is then decoded
// and dispatched to every handler for its kind. If any of that fails, handler
// writes are rolled back, the nonce stays consumed and a *DispatchError is
// returned.
func (e *Endpoint) Deliver(ctx context.Context, relay gmpmsg.Address, srcChain uint64, srcAddr gmpmsg.Address, payload []byte, nonce uint64) error {
	var dispatchErr error
	err := e.ledger.Call(ctx, func(c *ledger.Call) error {
		ok, err := e.registry.IsRelayAuthorized(c, relay)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnauthorizedRelay, relay)
		}
		if err := e.registry.CheckTrusted(c, srcChain, srcAddr); err != nil {
			return err
		}
		if err := e.nonces.CheckAndAdvanceInbound(c, srcChain, nonce); err != nil {
			return err
		}

		d := Delivery{SrcChain: srcChain, SrcAddr: srcAddr, Nonce: nonce}
		sp := c.Savepoint()
		kind, err := e.dispatch(c, d, payload)
		receipt := Receipt{
			Kind:        uint8(kind),
			Applied:     err == nil,
			Relay:       relay,
			DeliveredAt: c.Now(),
		}
		if err != nil {
			c.RollbackTo(sp)
			receipt.Error = err.Error()
			dispatchErr = &DispatchError{SrcChain: srcChain, Nonce: nonce, Err: err}
		}
		return ledger.PutRecord(c, receiptKey(srcChain, nonce), receipt)
	})
	if err != nil {
		e.log.Debug("gmp delivery rejected", "srcChain", srcChain, "nonce", nonce, "err", err)
		return err
	}
	if dispatchErr != nil {
		e.log.Warn("gmp delivery failed after admission", "srcChain", srcChain, "nonce", nonce, "err", dispatchErr)
		return dispatchErr
	}
	e.log.Info("gmp message delivered", "srcChain", srcChain, "dstChain", e.ChainID(), "nonce", nonce)
	return nil
}

// DeliverMessage is the relay-facing alias of Deliver.
func (e *Endpoint) DeliverMessage(ctx context.Context, relay gmpmsg.Address, srcChain uint64, srcAddr gmpmsg.Address, payload []byte, nonce uint64) error {
	return e.Deliver(ctx, relay, srcChain, srcAddr, payload, nonce)
}

func (e *Endpoint) dispatch(c *ledger.Call, d Delivery, payload []byte) (gmpmsg.Kind, error) {
	kind, err := gmpmsg.PeekKind(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	msg, err := gmpmsg.Decode(payload, kind)
	if err != nil {
		return kind, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	e.mu.RLock()
	hs := append([]namedHandler(nil), e.handlers[kind]...)
	e.mu.RUnlock()
	if len(hs) == 0 {
		return kind, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	var skipped []error
	for _, nh := range hs {
		err := nh.h.HandleMessage(c, d, msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotApplicable):
			skipped = append(skipped, fmt.Errorf("%s: %w", nh.name, err))
		default:
			return kind, fmt.Errorf("%s: %w", nh.name, err)
		}
	}
	if len(skipped) == len(hs) {
		return kind, errors.Join(skipped...)
	}
	return kind, nil
}

// Outbound returns the message emitted to dstChain with nonce.
func (e *Endpoint) Outbound(ctx context.Context, dstChain, nonce uint64) (Outbound, error) {
	var out Outbound
	err := e.ledger.View(ctx, func(c *ledger.Call) error {
		ok, err := ledger.GetRecord(c, outboxKey(dstChain, nonce), &out)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: outbound chain %d nonce %d", ErrNotFound, dstChain, nonce)
		}
		return nil
	})
	return out, err
}

// PollOutbound returns up to limit consecutive messages to dstChain with
// nonces greater than after.
func (e *Endpoint) PollOutbound(ctx context.Context, dstChain, after uint64, limit int) ([]Outbound, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Outbound
	err := e.ledger.View(ctx, func(c *ledger.Call) error {
		last, err := e.nonces.PeekOutbound(c, dstChain)
		if err != nil {
			return err
		}
		for n := after + 1; n <= last && len(out) < limit; n++ {
			var o Outbound
			ok, err := ledger.GetRecord(c, outboxKey(dstChain, n), &o)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: outbox gap at chain %d nonce %d", ErrNotFound, dstChain, n)
			}
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InboundReceipt returns the recorded outcome for an admitted delivery.
func (e *Endpoint) InboundReceipt(ctx context.Context, srcChain, nonce uint64) (Receipt, bool, error) {
	var r Receipt
	var ok bool
	err := e.ledger.View(ctx, func(c *ledger.Call) error {
		var err error
		ok, err = ledger.GetRecord(c, receiptKey(srcChain, nonce), &r)
		return err
	})
	return r, ok, err
}

func validatePayload(payload []byte) error {
	kind, err := gmpmsg.PeekKind(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	size, _ := gmpmsg.Size(kind)
	if len(payload) != size {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformedMessage, kind, len(payload), size)
	}
	return nil
}

func outboxKey(dstChain, nonce uint64) []byte {
	return ledger.Key(outboxNamespace, ledger.U64(dstChain), ledger.U64(nonce))
}

func receiptKey(srcChain, nonce uint64) []byte {
	return ledger.Key(receiptNamespace, ledger.U64(srcChain), ledger.U64(nonce))
}
