package registry

import (
	"errors"
	"fmt"

	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
)

var (
	ErrUnauthorizedAdmin         = errors.New("registry: unauthorized admin")
	ErrAdminAlreadySet           = errors.New("registry: admin already set")
	ErrNoTrustedRemoteConfigured = errors.New("registry: no trusted remote configured")
	ErrUntrustedRemote           = errors.New("registry: untrusted remote")
	ErrInvalidInput              = errors.New("registry: invalid input")
)

const (
	adminKey        = "gmp/admin"
	remoteNamespace = "gmp/remote"
	relayNamespace  = "gmp/relay"
)

// Registry holds the delivery authorization state of a ledger: the admin,
// one trusted counterpart address per remote chain, and the set of relay
// operators allowed to deliver. Every check fails closed.
type Registry struct{}

func New() *Registry { return &Registry{} }

// InitAdmin sets the first admin. It fails once an admin exists.
func (r *Registry) InitAdmin(c *ledger.Call, admin gmpmsg.Address) error {
	if admin.IsZero() {
		return fmt.Errorf("%w: zero admin", ErrInvalidInput)
	}
	ok, err := c.Has([]byte(adminKey))
	if err != nil {
		return err
	}
	if ok {
		return ErrAdminAlreadySet
	}
	c.Put([]byte(adminKey), admin[:])
	return nil
}

func (r *Registry) Admin(c *ledger.Call) (gmpmsg.Address, error) {
	b, err := c.Get([]byte(adminKey))
	if errors.Is(err, ledger.ErrNotFound) {
		return gmpmsg.Address{}, nil
	}
	if err != nil {
		return gmpmsg.Address{}, err
	}
	return gmpmsg.AddressFromBytes(b)
}

// IsAdmin reports whether caller is the configured admin. An unset admin
// authorizes nobody.
func (r *Registry) IsAdmin(c *ledger.Call, caller gmpmsg.Address) (bool, error) {
	admin, err := r.Admin(c)
	if err != nil {
		return false, err
	}
	return !admin.IsZero() && admin == caller, nil
}

func (r *Registry) requireAdmin(c *ledger.Call, caller gmpmsg.Address) error {
	ok, err := r.IsAdmin(c, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorizedAdmin, caller)
	}
	return nil
}

func (r *Registry) TransferAdmin(c *ledger.Call, caller, next gmpmsg.Address) error {
	if err := r.requireAdmin(c, caller); err != nil {
		return err
	}
	if next.IsZero() {
		return fmt.Errorf("%w: zero admin", ErrInvalidInput)
	}
	c.Put([]byte(adminKey), next[:])
	return nil
}

// SetTrustedRemote records addr as the only counterpart accepted from chainID.
func (r *Registry) SetTrustedRemote(c *ledger.Call, caller gmpmsg.Address, chainID uint64, addr gmpmsg.Address) error {
	if err := r.requireAdmin(c, caller); err != nil {
		return err
	}
	if chainID == 0 || addr.IsZero() {
		return fmt.Errorf("%w: chain id and address must be non-zero", ErrInvalidInput)
	}
	c.Put(ledger.Key(remoteNamespace, ledger.U64(chainID)), addr[:])
	return nil
}

func (r *Registry) TrustedRemote(c *ledger.Call, chainID uint64) (gmpmsg.Address, error) {
	b, err := c.Get(ledger.Key(remoteNamespace, ledger.U64(chainID)))
	if errors.Is(err, ledger.ErrNotFound) {
		return gmpmsg.Address{}, fmt.Errorf("%w: chain %d", ErrNoTrustedRemoteConfigured, chainID)
	}
	if err != nil {
		return gmpmsg.Address{}, err
	}
	return gmpmsg.AddressFromBytes(b)
}

// CheckTrusted returns nil only when addr is the trusted remote for chainID.
func (r *Registry) CheckTrusted(c *ledger.Call, chainID uint64, addr gmpmsg.Address) error {
	want, err := r.TrustedRemote(c, chainID)
	if err != nil {
		return err
	}
	if want != addr {
		return fmt.Errorf("%w: chain %d sender %s", ErrUntrustedRemote, chainID, addr)
	}
	return nil
}

func (r *Registry) IsTrusted(c *ledger.Call, chainID uint64, addr gmpmsg.Address) bool {
	return r.CheckTrusted(c, chainID, addr) == nil
}

func (r *Registry) AddRelay(c *ledger.Call, caller, relay gmpmsg.Address) error {
	if err := r.requireAdmin(c, caller); err != nil {
		return err
	}
	if relay.IsZero() {
		return fmt.Errorf("%w: zero relay", ErrInvalidInput)
	}
	c.Put(ledger.Key(relayNamespace, relay[:]), []byte{1})
	return nil
}

func (r *Registry) RemoveRelay(c *ledger.Call, caller, relay gmpmsg.Address) error {
	if err := r.requireAdmin(c, caller); err != nil {
		return err
	}
	c.Delete(ledger.Key(relayNamespace, relay[:]))
	return nil
}

func (r *Registry) IsRelayAuthorized(c *ledger.Call, relay gmpmsg.Address) (bool, error) {
	if relay.IsZero() {
		return false, nil
	}
	return c.Has(ledger.Key(relayNamespace, relay[:]))
}
