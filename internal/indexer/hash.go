package indexer

import "github.com/ethereum/go-ethereum/crypto"

// keccak hashes s with Keccak-256, the chain's native hash function, used
// for dedup IDs and nullifier/recovery-id derivation throughout this
// package.
func keccak(s string) []byte {
	return crypto.Keccak256([]byte(s))
}
