package transfer

import "crypto/sha256"

// HashChunk computes the SHA-256 hash of a data chunk.
func HashChunk(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// MerkleRoot builds a binary Merkle tree over the leaf hashes, padding
// the leaf count to a power of two with the hash of empty input, and
// returns the root. No leaves yields the hash of empty input.
func MerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return HashChunk(nil)
	}

	n := 1
	for n < len(leaves) {
		n *= 2
	}
	level := make([][]byte, n)
	for i := range level {
		if i < len(leaves) {
			level[i] = leaves[i]
		} else {
			level[i] = HashChunk(nil)
		}
	}

	for len(level) > 1 {
		next := make([][]byte, len(level)/2)
		for i := range next {
			h := sha256.New()
			h.Write(level[2*i])
			h.Write(level[2*i+1])
			next[i] = h.Sum(nil)
		}
		level = next
	}
	return level[0]
}
