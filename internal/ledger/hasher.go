package ledger

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "TradeKernel:genesis:v1"

// ChainHasher computes the envelope hash chain:
// hash[N] = SHA-256(prev_hash || sequence || event_digest).
// Not thread-safe — callers serialize through the log's mutex.
type ChainHasher struct {
	prevHash [32]byte
}

func NewChainHasher() *ChainHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &ChainHasher{
		prevHash: genesis,
	}
}

// ComputeHash advances the chain and returns the hash for this sequence.
func (h *ChainHasher) ComputeHash(sequence int64, eventDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(eventDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns the current chain tip.
func (h *ChainHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip (used during recovery).
func (h *ChainHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
