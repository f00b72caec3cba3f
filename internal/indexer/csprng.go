package indexer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

// CSPRNGStream is a deterministic HMAC-SHA256 keystream addressable by
// index, grounded on the same HMAC-derivation idiom as
// internal/cryptoutil.deriveEnvelopeKey: Ith(n) = HMAC-SHA256(seed, n).
// Every MasterViewSeed owns two independent streams (recovery, share),
// each with its own seed.
type CSPRNGStream struct {
	seed []byte
}

func NewCSPRNGStream(seed []byte) *CSPRNGStream {
	return &CSPRNGStream{seed: seed}
}

// Ith returns the n-th output of the stream. The advancement rule is one
// step per version bump: Ith(n) only depends on n, never on a mutable
// cursor, so re-deriving Ith(n) from the seed always reproduces the same
// value regardless of how many times the stream has been "advanced".
func (s *CSPRNGStream) Ith(n uint64) []byte {
	mac := hmac.New(sha256.New, s.seed)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], n)
	mac.Write(idx[:])
	return mac.Sum(nil)
}

// NullifierHash computes hash(inner, ithValue) = keccak256(inner || ithValue).
// Every live generic object's nullifier equals
// hash(inner, csprng(recovery_stream_seed).ith(version)).
func NullifierHash(inner, ithValue []byte) [32]byte {
	buf := make([]byte, 0, len(inner)+len(ithValue))
	buf = append(buf, inner...)
	buf = append(buf, ithValue...)
	return crypto.Keccak256Hash(buf)
}

// RecoveryIDFromSeed computes an ExpectedStateObject's recovery_id, which
// must equal csprng(recovery_stream_seed).ith(0).
func RecoveryIDFromSeed(recoveryStreamSeed []byte) [32]byte {
	stream := NewCSPRNGStream(recoveryStreamSeed)
	var out [32]byte
	copy(out[:], stream.Ith(0))
	return out
}

// DeriveChildStreamSeed derives the n-th generation's stream seed from a
// master view seed's root plus a domain tag ("recovery" or "share"),
// mirroring internal/cryptoutil.deriveEnvelopeKey's (masterKey, subject,
// info) shape so seed derivation and envelope-key derivation share one
// well-reviewed HMAC construction.
func DeriveChildStreamSeed(masterSeed []byte, domain string, generation uint64) []byte {
	mac := hmac.New(sha256.New, masterSeed)
	mac.Write([]byte(domain))
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], generation)
	mac.Write(gen[:])
	return mac.Sum(nil)
}
