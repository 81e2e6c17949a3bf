package ledger

import (
	"errors"
	"fmt"

	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrAssetConsumed       = errors.New("ledger: asset already consumed")
	ErrForeignAsset        = errors.New("ledger: asset belongs to another call")
	ErrUnconsumedAsset     = errors.New("ledger: withdrawn asset not deposited")
)

const bankNamespace = "bank/bal"

// Asset is value withdrawn from an account and not yet deposited. It must be
// deposited exactly once before the call that produced it ends.
type Asset struct {
	call     *Call
	token    gmpmsg.Address
	amount   uint64
	consumed bool
	voided   bool
}

func (a *Asset) Token() gmpmsg.Address { return a.token }

func (a *Asset) Amount() uint64 { return a.amount }

// Bank is the asset transfer primitive of a ledger: fungible balances keyed
// by (token, owner).
type Bank struct{}

func NewBank() *Bank { return &Bank{} }

func balanceKey(token, owner gmpmsg.Address) []byte {
	return Key(bankNamespace, token[:], owner[:])
}

func (b *Bank) Balance(c *Call, owner, token gmpmsg.Address) (uint64, error) {
	return GetU64(c, balanceKey(token, owner))
}

// Mint credits new units; used for genesis funding.
func (b *Bank) Mint(c *Call, owner, token gmpmsg.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: mint of zero", ErrInvalidAmount)
	}
	return b.credit(c, owner, token, amount)
}

// Withdraw debits owner and returns the withdrawn value.
func (b *Bank) Withdraw(c *Call, owner, token gmpmsg.Address, amount uint64) (*Asset, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: withdraw of zero", ErrInvalidAmount)
	}
	key := balanceKey(token, owner)
	bal, err := GetU64(c, key)
	if err != nil {
		return nil, err
	}
	if bal < amount {
		return nil, fmt.Errorf("%w: have %d need %d", ErrInsufficientBalance, bal, amount)
	}
	if bal == amount {
		c.Delete(key)
	} else {
		PutU64(c, key, bal-amount)
	}
	a := &Asset{call: c, token: token, amount: amount}
	c.assets = append(c.assets, a)
	return a, nil
}

// Deposit credits recipient with a and consumes it.
func (b *Bank) Deposit(c *Call, recipient gmpmsg.Address, a *Asset) error {
	if a == nil {
		return fmt.Errorf("%w: nil asset", ErrInvalidAmount)
	}
	if a.call != c || a.voided {
		return ErrForeignAsset
	}
	if a.consumed {
		return ErrAssetConsumed
	}
	if err := b.credit(c, recipient, a.token, a.amount); err != nil {
		return err
	}
	a.consumed = true
	return nil
}

// Transfer moves amount of token from one account to another.
func (b *Bank) Transfer(c *Call, from, to, token gmpmsg.Address, amount uint64) error {
	a, err := b.Withdraw(c, from, token, amount)
	if err != nil {
		return err
	}
	return b.Deposit(c, to, a)
}

func (b *Bank) credit(c *Call, owner, token gmpmsg.Address, amount uint64) error {
	key := balanceKey(token, owner)
	bal, err := GetU64(c, key)
	if err != nil {
		return err
	}
	if bal+amount < bal {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	PutU64(c, key, bal+amount)
	return nil
}

func (c *Call) checkAssets() error {
	for _, a := range c.assets {
		if !a.consumed {
			return fmt.Errorf("%w: %d of token %s", ErrUnconsumedAsset, a.amount, a.token)
		}
	}
	return nil
}
