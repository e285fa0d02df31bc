// Package seed derives deterministic sub-seeds. Every sampling site
// (measurement, calibration retry) gets its own seed derived from the run
// seed plus a stable label, so phases can run concurrently without sharing
// a generator and replay reproduces every draw bit-exactly.
package seed

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// Derive hashes the run seed with a stable label into a sub-seed.
func Derive(runSeed uint64, label string) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(runSeed >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(label))
	return h.Sum64()
}

// ForNode derives the seed for a node's sampling on a given attempt.
func ForNode(runSeed uint64, nodeID string, attempt int) uint64 {
	return Derive(runSeed, fmt.Sprintf("%s#%d", nodeID, attempt))
}

// NewRand returns a generator seeded from a derived sub-seed.
func NewRand(sub uint64) *rand.Rand {
	return rand.New(rand.NewSource(int64(sub)))
}
