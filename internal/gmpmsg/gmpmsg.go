package gmpmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidLength = errors.New("gmpmsg: invalid length")
	ErrEmptyBuffer   = errors.New("gmpmsg: empty buffer")
	ErrUnknownKind   = errors.New("gmpmsg: unknown discriminator")
	ErrKindMismatch  = errors.New("gmpmsg: discriminator mismatch")
)

// Kind is the one-byte discriminator that leads every message.
type Kind uint8

const (
	KindIntentRequirements Kind = 0x01
	KindEscrowConfirmation Kind = 0x02
	KindFulfillmentProof   Kind = 0x03
)

const (
	IntentRequirementsLen = 1 + 32 + 32 + 8 + 32 + 32 + 8
	EscrowConfirmationLen = 1 + 32 + 32 + 8 + 32 + 32
	FulfillmentProofLen   = 1 + 32 + 32 + 8 + 8
)

func (k Kind) String() string {
	switch k {
	case KindIntentRequirements:
		return "intent_requirements"
	case KindEscrowConfirmation:
		return "escrow_confirmation"
	case KindFulfillmentProof:
		return "fulfillment_proof"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(k))
	}
}

// Size returns the fixed wire size of a message kind.
func Size(k Kind) (int, error) {
	switch k {
	case KindIntentRequirements:
		return IntentRequirementsLen, nil
	case KindEscrowConfirmation:
		return EscrowConfirmationLen, nil
	case KindFulfillmentProof:
		return FulfillmentProofLen, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, uint8(k))
	}
}

// Message is implemented by the three wire message types.
type Message interface {
	Kind() Kind
	IntentID() [32]byte
	Encode() []byte
}

type IntentRequirements struct {
	ID              [32]byte
	CounterpartAddr Address
	Amount          uint64
	TokenAddr       Address
	// SolverAddr is zero when any solver may fulfill.
	SolverAddr Address
	Expiry     uint64
}

func (IntentRequirements) Kind() Kind { return KindIntentRequirements }

func (m IntentRequirements) IntentID() [32]byte { return m.ID }

// Encode returns the canonical 145-byte encoding.
//
// Layout (all integers big-endian):
//
//	kind[1] = 0x01
//	intentId[32]
//	counterpartAddr[32]
//	amount[8]
//	tokenAddr[32]
//	solverAddr[32]
//	expiry[8]
func (m IntentRequirements) Encode() []byte {
	out := make([]byte, IntentRequirementsLen)
	w := writer{buf: out}
	w.kind(KindIntentRequirements)
	w.bytes32(m.ID)
	w.bytes32(m.CounterpartAddr)
	w.uint64(m.Amount)
	w.bytes32(m.TokenAddr)
	w.bytes32(m.SolverAddr)
	w.uint64(m.Expiry)
	return out
}

type EscrowConfirmation struct {
	ID          [32]byte
	EscrowID    [32]byte
	Amount      uint64
	TokenAddr   Address
	CreatorAddr Address
}

func (EscrowConfirmation) Kind() Kind { return KindEscrowConfirmation }

func (m EscrowConfirmation) IntentID() [32]byte { return m.ID }

// Encode returns the canonical 137-byte encoding.
//
// Layout (all integers big-endian):
//
//	kind[1] = 0x02
//	intentId[32]
//	escrowId[32]
//	amount[8]
//	tokenAddr[32]
//	creatorAddr[32]
func (m EscrowConfirmation) Encode() []byte {
	out := make([]byte, EscrowConfirmationLen)
	w := writer{buf: out}
	w.kind(KindEscrowConfirmation)
	w.bytes32(m.ID)
	w.bytes32(m.EscrowID)
	w.uint64(m.Amount)
	w.bytes32(m.TokenAddr)
	w.bytes32(m.CreatorAddr)
	return out
}

type FulfillmentProof struct {
	ID         [32]byte
	SolverAddr Address
	Amount     uint64
	Timestamp  uint64
}

func (FulfillmentProof) Kind() Kind { return KindFulfillmentProof }

func (m FulfillmentProof) IntentID() [32]byte { return m.ID }

// Encode returns the canonical 81-byte encoding.
//
// Layout (all integers big-endian):
//
//	kind[1] = 0x03
//	intentId[32]
//	solverAddr[32]
//	amount[8]
//	timestamp[8]
func (m FulfillmentProof) Encode() []byte {
	out := make([]byte, FulfillmentProofLen)
	w := writer{buf: out}
	w.kind(KindFulfillmentProof)
	w.bytes32(m.ID)
	w.bytes32(m.SolverAddr)
	w.uint64(m.Amount)
	w.uint64(m.Timestamp)
	return out
}

// PeekKind reads the discriminator without validating the rest of the buffer.
func PeekKind(b []byte) (Kind, error) {
	if len(b) == 0 {
		return 0, ErrEmptyBuffer
	}
	k := Kind(b[0])
	if _, err := Size(k); err != nil {
		return 0, err
	}
	return k, nil
}

// Decode parses b as a message of the given kind.
func Decode(b []byte, k Kind) (Message, error) {
	switch k {
	case KindIntentRequirements:
		return DecodeIntentRequirements(b)
	case KindEscrowConfirmation:
		return DecodeEscrowConfirmation(b)
	case KindFulfillmentProof:
		return DecodeFulfillmentProof(b)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, uint8(k))
	}
}

// DecodeAny peeks the discriminator and decodes accordingly.
func DecodeAny(b []byte) (Message, error) {
	k, err := PeekKind(b)
	if err != nil {
		return nil, err
	}
	return Decode(b, k)
}

func DecodeIntentRequirements(b []byte) (IntentRequirements, error) {
	r, err := newReader(b, KindIntentRequirements, IntentRequirementsLen)
	if err != nil {
		return IntentRequirements{}, err
	}
	return IntentRequirements{
		ID:              r.bytes32(),
		CounterpartAddr: r.bytes32(),
		Amount:          r.uint64(),
		TokenAddr:       r.bytes32(),
		SolverAddr:      r.bytes32(),
		Expiry:          r.uint64(),
	}, nil
}

func DecodeEscrowConfirmation(b []byte) (EscrowConfirmation, error) {
	r, err := newReader(b, KindEscrowConfirmation, EscrowConfirmationLen)
	if err != nil {
		return EscrowConfirmation{}, err
	}
	return EscrowConfirmation{
		ID:          r.bytes32(),
		EscrowID:    r.bytes32(),
		Amount:      r.uint64(),
		TokenAddr:   r.bytes32(),
		CreatorAddr: r.bytes32(),
	}, nil
}

func DecodeFulfillmentProof(b []byte) (FulfillmentProof, error) {
	r, err := newReader(b, KindFulfillmentProof, FulfillmentProofLen)
	if err != nil {
		return FulfillmentProof{}, err
	}
	return FulfillmentProof{
		ID:         r.bytes32(),
		SolverAddr: r.bytes32(),
		Amount:     r.uint64(),
		Timestamp:  r.uint64(),
	}, nil
}

type writer struct {
	buf []byte
	o   int
}

func (w *writer) kind(k Kind) {
	w.buf[w.o] = byte(k)
	w.o++
}

func (w *writer) bytes32(v [32]byte) {
	copy(w.buf[w.o:w.o+32], v[:])
	w.o += 32
}

func (w *writer) uint64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[w.o:w.o+8], v)
	w.o += 8
}

type reader struct {
	buf []byte
	o   int
}

func newReader(b []byte, k Kind, want int) (*reader, error) {
	if len(b) != want {
		return nil, fmt.Errorf("%w: %s: got %d want %d", ErrInvalidLength, k, len(b), want)
	}
	if Kind(b[0]) != k {
		return nil, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrKindMismatch, b[0], uint8(k))
	}
	return &reader{buf: b, o: 1}, nil
}

func (r *reader) bytes32() [32]byte {
	var out [32]byte
	copy(out[:], r.buf[r.o:r.o+32])
	r.o += 32
	return out
}

func (r *reader) uint64() uint64 {
	v := binary.BigEndian.Uint64(r.buf[r.o : r.o+8])
	r.o += 8
	return v
}
