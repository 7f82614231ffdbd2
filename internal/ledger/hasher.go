package ledger

import (
	"crypto/sha256"
)

const GenesisHashSeed = "PositionLedger:genesis:v1"

// Hasher keeps the tip of the signature chain. Each event's canonical bytes
// embed the previous tip, so sig[N] = SHA-256(sig[N-1] || event N).
type Hasher struct {
	prevHash [32]byte
}

// NewHasher initializes with genesis hash
func NewHasher() *Hasher {
	return &Hasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// Next signs canonical event bytes and advances the tip.
func (h *Hasher) Next(eventBytes []byte) [32]byte {
	hash := sha256.Sum256(eventBytes)
	h.prevHash = hash
	return hash
}

// Tip returns current chain tip
func (h *Hasher) Tip() [32]byte {
	return h.prevHash
}

// Reset sets the tip, used when restoring from a snapshot or replay.
func (h *Hasher) Reset(tip [32]byte) {
	h.prevHash = tip
}
