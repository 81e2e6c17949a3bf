package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	// VersionV1 tags the JSON layout of Receipt.
	VersionV1 = "gmp.receipt.v1"

	defaultMaxGetSize int64 = 1 << 20
)

var (
	ErrInvalidConfig  = errors.New("receipts: invalid config")
	ErrInvalidReceipt = errors.New("receipts: invalid receipt")
	ErrNotFound       = errors.New("receipts: not found")
	ErrTooLarge       = errors.New("receipts: object too large")
)

type Outcome string

const (
	// OutcomeDelivered: admitted and applied by every handler.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeReplay: the destination had already consumed the nonce.
	OutcomeReplay Outcome = "replay"
	// OutcomeFailed: admitted, nonce consumed, handlers rolled back.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected: refused before admission; the route is halted.
	OutcomeRejected Outcome = "rejected"
)

// Receipt is the relay's record of one delivery attempt that settled a
// message's fate.
type Receipt struct {
	Version    string    `json:"version"`
	SrcChain   uint64    `json:"srcChain"`
	DstChain   uint64    `json:"dstChain"`
	Nonce      uint64    `json:"nonce"`
	Kind       string    `json:"kind"`
	IntentID   string    `json:"intentId,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Relay      string    `json:"relay"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Key is the archive key of a receipt, ordered by nonce within a route.
func Key(srcChain, dstChain, nonce uint64) string {
	return fmt.Sprintf("%d/%d/%020d.json", srcChain, dstChain, nonce)
}

func (r Receipt) Key() string { return Key(r.SrcChain, r.DstChain, r.Nonce) }

func (r Receipt) validate() error {
	if r.SrcChain == 0 || r.DstChain == 0 || r.Nonce == 0 {
		return fmt.Errorf("%w: chain ids and nonce must be non-zero", ErrInvalidReceipt)
	}
	switch r.Outcome {
	case OutcomeDelivered, OutcomeReplay, OutcomeFailed, OutcomeRejected:
		return nil
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidReceipt, r.Outcome)
	}
}

// Marshal returns the versioned JSON encoding of r.
func Marshal(r Receipt) ([]byte, error) {
	if r.Version == "" {
		r.Version = VersionV1
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func Unmarshal(b []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(b, &r); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}
	if r.Version != VersionV1 {
		return Receipt{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidReceipt, r.Version)
	}
	return r, nil
}

// Archive stores delivery receipts. Writing the same key twice keeps the
// latest receipt.
type Archive interface {
	Put(ctx context.Context, r Receipt) error
	Get(ctx context.Context, srcChain, dstChain, nonce uint64) (Receipt, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes read by Get. Defaults to 1 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Archive, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryArchive(cfg.Prefix), nil
	case DriverS3:
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
