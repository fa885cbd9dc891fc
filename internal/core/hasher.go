package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "SwapLedger:genesis:v1"

// StateHasher chains event hashes so any gap or rewrite of the log is
// detectable. Callers serialise access.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the hash preceding sequence 1
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash returns SHA-256(prev_hash || sequence || event_type || payload)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, eventType int32, payload []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, eventType, payload)
	h.prevHash = hash
	return hash
}

// ChainHash is the pure form of ComputeHash, used to verify a stored log.
func ChainHash(prev [32]byte, sequence int64, eventType int32, payload []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(sequence))
	binary.LittleEndian.PutUint32(buf[8:], uint32(eventType))
	hasher.Write(buf[:])

	hasher.Write(payload)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a persisted tip
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.prevHash = tip
}
