package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
)

const (
	storageMemory   = "memory"
	storageLevelDB  = "leveldb"
	storagePostgres = "postgres"

	roleOrigin      = "origin"
	roleCounterpart = "counterpart"
	roleBoth        = "both"
)

var (
	errInvalidChainFile = errors.New("invalid chain file")
	errBadChecksum      = errors.New("address fails EIP-55 checksum")
)

type chainFile struct {
	Chains []chainEntry `toml:"chain"`
}

type chainEntry struct {
	ChainID uint64 `toml:"chain_id"`
	Address string `toml:"address"`
	// Role picks the managers hosted on the ledger: origin runs the intent
	// manager, counterpart runs the escrow manager and fulfillment validator,
	// both runs all three.
	Role    string `toml:"role"`
	Storage string `toml:"storage"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
	// Admin, when set, bootstraps the registry: admin, trusted remotes for
	// every other chain and this relay's identity.
	Admin string `toml:"admin"`
}

type chainSpec struct {
	ChainID uint64
	Address gmpmsg.Address
	Role    string
	Storage string
	Path    string
	DSN     string
	Admin   gmpmsg.Address
}

func loadChainFile(path string) ([]chainSpec, error) {
	var raw chainFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load chain file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", errInvalidChainFile, undecoded)
	}
	return parseChains(raw.Chains)
}

func parseChains(entries []chainEntry) ([]chainSpec, error) {
	if len(entries) < 2 {
		return nil, fmt.Errorf("%w: need at least two chains, got %d", errInvalidChainFile, len(entries))
	}
	seen := make(map[uint64]bool, len(entries))
	out := make([]chainSpec, 0, len(entries))
	for i, e := range entries {
		if e.ChainID == 0 {
			return nil, fmt.Errorf("%w: chain[%d]: chain_id is required", errInvalidChainFile, i)
		}
		if seen[e.ChainID] {
			return nil, fmt.Errorf("%w: duplicate chain_id %d", errInvalidChainFile, e.ChainID)
		}
		seen[e.ChainID] = true

		addr, err := parseIdentity(e.Address)
		if err != nil || addr.IsZero() {
			return nil, fmt.Errorf("%w: chain %d: address must be a non-zero hex address", errInvalidChainFile, e.ChainID)
		}
		spec := chainSpec{
			ChainID: e.ChainID,
			Address: addr,
			Role:    strings.ToLower(strings.TrimSpace(e.Role)),
			Storage: strings.ToLower(strings.TrimSpace(e.Storage)),
			Path:    strings.TrimSpace(e.Path),
			DSN:     strings.TrimSpace(e.DSN),
		}
		switch spec.Role {
		case roleOrigin, roleCounterpart, roleBoth:
		default:
			return nil, fmt.Errorf("%w: chain %d: role must be origin|counterpart|both, got %q", errInvalidChainFile, e.ChainID, e.Role)
		}
		if spec.Storage == "" {
			spec.Storage = storageMemory
		}
		switch spec.Storage {
		case storageMemory:
		case storageLevelDB:
			if spec.Path == "" {
				return nil, fmt.Errorf("%w: chain %d: path is required for leveldb", errInvalidChainFile, e.ChainID)
			}
		case storagePostgres:
			if spec.DSN == "" {
				return nil, fmt.Errorf("%w: chain %d: dsn is required for postgres", errInvalidChainFile, e.ChainID)
			}
		default:
			return nil, fmt.Errorf("%w: chain %d: unsupported storage %q", errInvalidChainFile, e.ChainID, e.Storage)
		}
		if s := strings.TrimSpace(e.Admin); s != "" {
			if spec.Admin, err = parseIdentity(s); err != nil || spec.Admin.IsZero() {
				return nil, fmt.Errorf("%w: chain %d: admin must be a non-zero hex address", errInvalidChainFile, e.ChainID)
			}
		}
		out = append(out, spec)
	}
	return out, nil
}

// parseIdentity reads an account from config. A 20-byte EVM address is padded
// into the 32-byte form and, when written in mixed case, must carry a valid
// EIP-55 checksum. Anything else goes through gmpmsg.ParseAddress.
func parseIdentity(s string) (gmpmsg.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return gmpmsg.ParseAddress(s)
	}
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	a := common.HexToAddress(body)
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && "0x"+body != a.Hex() {
		return gmpmsg.Address{}, fmt.Errorf("%w: %s", errBadChecksum, s)
	}
	return gmpmsg.AddressFromEVM(a), nil
}
