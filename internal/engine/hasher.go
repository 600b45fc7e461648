package engine

import (
	"crypto/sha256"
	"encoding/binary"

	"SecuritiesVenue/internal/event"
)

const GenesisHashSeed = "SecuritiesVenue:genesis:v1"

// StateHasher chains event hashes so a replayed log can be verified.
type StateHasher struct {
	prevHash event.Hash
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ResumeStateHasher continues a chain from a snapshot tip.
func ResumeStateHasher(tip event.Hash) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || sequence || event_type || payload)
func (h *StateHasher) ComputeHash(sequence int64, eventType event.EventType, payload []byte) event.Hash {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	// sequence and type, 8 + 4 bytes LE
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(sequence))
	binary.LittleEndian.PutUint32(buf[8:], uint32(eventType))
	hasher.Write(buf[:])

	hasher.Write(payload)

	var hash event.Hash
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() event.Hash {
	return h.prevHash
}

// VerifyChain recomputes the chain over envelopes in sequence order starting
// from tip and returns the index of the first envelope whose hashes do not
// match, or -1.
func VerifyChain(tip event.Hash, envs []*event.Envelope) int {
	h := ResumeStateHasher(tip)
	for i, env := range envs {
		if env.PrevHash != h.GetPrevHash() {
			return i
		}
		if h.ComputeHash(env.Sequence, env.EventType, env.Payload) != env.StateHash {
			return i
		}
	}
	return -1
}
