package core

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Short returns a shortened hex version of the hash (e.g. first 4 + last 4).
func (h Hash) Short() string {
	hexStr := hex.EncodeToString(h[:])
	if len(hexStr) <= 8 {
		return hexStr
	}
	return hexStr[:4] + ".." + hexStr[len(hexStr)-4:]
}

// keccak256 is the hash function used throughout the data model (block and
// transaction hashing, bloom construction). Kept as a single indirection
// point so an alternate digest could be swapped in without touching callers.
func keccak256(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
