package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const (
	escrowIDPrefixV1 = "escrow"
	vaultPrefixV1    = "vault"
)

// EscrowIDV1 computes the canonical escrow id.
//
//	escrowId = keccak256("escrow" || chainIdBE64 || intentId || requester)
//
// Re-creating an escrow for the same intent and requester yields the same id,
// so the id doubles as the existence key.
func EscrowIDV1(chainID uint64, intentID [32]byte, requester [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(escrowIDPrefixV1))

	var cid [8]byte
	binary.BigEndian.PutUint64(cid[:], chainID)
	_, _ = h.Write(cid[:])
	_, _ = h.Write(intentID[:])
	_, _ = h.Write(requester[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VaultAddressV1 derives the account that holds locked funds for an intent.
//
//	vault = keccak256("vault" || len(namespace)BE16 || namespace || intentId)
//
// The namespace separates vaults of different managers on the same ledger.
// No key controls the derived account; only the owning manager moves funds.
func VaultAddressV1(namespace string, intentID [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(vaultPrefixV1))

	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(namespace)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write(intentID[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
