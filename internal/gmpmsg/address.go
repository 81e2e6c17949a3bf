package gmpmsg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidAddress = errors.New("gmpmsg: invalid address")

// Address is a ledger-agnostic 32-byte account identifier. Shorter native
// identifiers are left-padded with zeros and never shrunk back.
type Address [32]byte

// AddressFromBytes left-pads b to 32 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) > 32 {
		return Address{}, fmt.Errorf("%w: %d bytes exceeds 32", ErrInvalidAddress, len(b))
	}
	var out Address
	copy(out[32-len(b):], b)
	return out, nil
}

// AddressFromEVM pads a 20-byte EVM account.
func AddressFromEVM(a common.Address) Address {
	var out Address
	copy(out[12:], a[:])
	return out
}

// ParseAddress accepts 0x-prefixed hex of at most 32 bytes.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if len(s)%2 != 0 {
		s = "0x0" + s[2:]
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(b)
}

// MustAddress is ParseAddress for constants and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) String() string { return hexutil.Encode(a[:]) }

// EVM returns the low 20 bytes and reports whether the high 12 bytes were zero.
func (a Address) EVM() (common.Address, bool) {
	for _, v := range a[:12] {
		if v != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(a[12:]), true
}
