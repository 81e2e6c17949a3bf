package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/ledger"
	"github.com/juno-intents/intents-gmp/internal/registry"
)

const sampleChainFile = `
[[chain]]
chain_id = 1
address = "0x0a"
role = "origin"
storage = "memory"
admin = "0xad"

[[chain]]
chain_id = 2
address = "0x0b"
role = "Counterpart"
storage = "leveldb"
path = "/var/lib/gmp/chain-2"
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write chain file: %v", err)
	}
	return path
}

func TestLoadChainFile(t *testing.T) {
	t.Parallel()

	chains, err := loadChainFile(writeFile(t, sampleChainFile))
	if err != nil {
		t.Fatalf("loadChainFile: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("chains: got %d want 2", len(chains))
	}
	if chains[0].Role != roleOrigin || chains[0].Admin != gmpmsg.MustAddress("0xad") {
		t.Fatalf("chain 1: %+v", chains[0])
	}
	if chains[1].Role != roleCounterpart || chains[1].Storage != storageLevelDB || chains[1].Path != "/var/lib/gmp/chain-2" {
		t.Fatalf("chain 2: %+v", chains[1])
	}
	if !chains[1].Admin.IsZero() {
		t.Fatalf("chain 2 admin should be unset")
	}
}

func TestLoadChainFile_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := loadChainFile(writeFile(t, sampleChainFile+"\n[[chain]]\nchain_id = 3\naddress = \"0x0c\"\nrole = \"origin\"\nrpc = \"http://x\"\n"))
	if !errors.Is(err, errInvalidChainFile) || !strings.Contains(err.Error(), "rpc") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestParseChains_Validation(t *testing.T) {
	t.Parallel()

	ok := func() []chainEntry {
		return []chainEntry{
			{ChainID: 1, Address: "0x0a", Role: "origin"},
			{ChainID: 2, Address: "0x0b", Role: "counterpart"},
		}
	}
	cases := []struct {
		name   string
		mutate func([]chainEntry) []chainEntry
	}{
		{name: "single chain", mutate: func(e []chainEntry) []chainEntry { return e[:1] }},
		{name: "zero chain id", mutate: func(e []chainEntry) []chainEntry { e[0].ChainID = 0; return e }},
		{name: "duplicate chain id", mutate: func(e []chainEntry) []chainEntry { e[1].ChainID = 1; return e }},
		{name: "zero address", mutate: func(e []chainEntry) []chainEntry { e[0].Address = "0x00"; return e }},
		{name: "bad address", mutate: func(e []chainEntry) []chainEntry { e[0].Address = "nope"; return e }},
		{name: "bad role", mutate: func(e []chainEntry) []chainEntry { e[0].Role = "solver"; return e }},
		{name: "leveldb without path", mutate: func(e []chainEntry) []chainEntry { e[0].Storage = "leveldb"; return e }},
		{name: "postgres without dsn", mutate: func(e []chainEntry) []chainEntry { e[0].Storage = "postgres"; return e }},
		{name: "unsupported storage", mutate: func(e []chainEntry) []chainEntry { e[0].Storage = "sqlite"; return e }},
		{name: "bad admin", mutate: func(e []chainEntry) []chainEntry { e[0].Admin = "0xzz"; return e }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseChains(tc.mutate(ok())); !errors.Is(err, errInvalidChainFile) {
				t.Fatalf("expected errInvalidChainFile, got %v", err)
			}
		})
	}

	chains, err := parseChains(ok())
	if err != nil {
		t.Fatalf("parseChains: %v", err)
	}
	if chains[0].Storage != storageMemory {
		t.Fatalf("default storage: got %q", chains[0].Storage)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]slog.Level{"debug": slog.LevelDebug, " INFO ": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError} {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseLogLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestOpenChain_BootstrapsRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chains, err := parseChains([]chainEntry{
		{ChainID: 1, Address: "0x0a", Role: "origin", Admin: "0xad"},
		{ChainID: 2, Address: "0x0b", Role: "counterpart", Admin: "0xad"},
	})
	if err != nil {
		t.Fatalf("parseChains: %v", err)
	}
	relayID := gmpmsg.MustAddress("0x4e1a")
	cfg := runConfig{chains: chains, identity: relayID}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ep, closeFn, err := openChain(ctx, log, chains[0], cfg, newPoolSet())
	if err != nil {
		t.Fatalf("openChain: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("memory storage should not need closing")
	}
	err = ep.Ledger().View(ctx, func(c *ledger.Call) error {
		ok, err := ep.Registry().IsRelayAuthorized(c, relayID)
		if err != nil || !ok {
			t.Fatalf("relay not authorized: ok=%v err=%v", ok, err)
		}
		return ep.Registry().CheckTrusted(c, 2, gmpmsg.MustAddress("0x0b"))
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	// Running the bootstrap again under the same admin is harmless.
	if err := bootstrapRegistry(ctx, ep.Ledger(), ep.Registry(), chains[0], cfg); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	other := chains[0]
	other.Admin = gmpmsg.MustAddress("0x5e")
	if err := bootstrapRegistry(ctx, ep.Ledger(), ep.Registry(), other, cfg); !errors.Is(err, registry.ErrUnauthorizedAdmin) {
		t.Fatalf("bootstrap with another admin: expected ErrUnauthorizedAdmin, got %v", err)
	}
}

func TestParseIdentity(t *testing.T) {
	t.Parallel()

	const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	want := gmpmsg.AddressFromEVM(common.HexToAddress(checksummed))
	for _, in := range []string{checksummed, strings.ToLower(checksummed), " " + checksummed + " "} {
		got, err := parseIdentity(in)
		if err != nil || got != want {
			t.Fatalf("parseIdentity(%q) = %s, %v; want %s", in, got, err, want)
		}
		if evm, ok := got.EVM(); !ok || evm.Hex() != checksummed {
			t.Fatalf("EVM(%s) = %s, %v", got, evm.Hex(), ok)
		}
	}

	if _, err := parseIdentity("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"); !errors.Is(err, errBadChecksum) {
		t.Fatalf("expected errBadChecksum, got %v", err)
	}

	got, err := parseIdentity("0x0a")
	if err != nil || got != gmpmsg.MustAddress("0x0a") {
		t.Fatalf("short address: %s, %v", got, err)
	}
	if _, ok := got.EVM(); !ok {
		t.Fatalf("short address should fit the EVM form")
	}
	wide := gmpmsg.MustAddress("0x01" + strings.Repeat("00", 31))
	if _, ok := wide.EVM(); ok {
		t.Fatalf("32-byte address with high bytes set should not fit the EVM form")
	}
}
