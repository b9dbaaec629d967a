// Package rand generates request identifiers for RPC envelopes.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var charsetLen = len(charset)

var pool = newSource()

type source struct {
	mut sync.Mutex
	rng *rand.Rand
}

func newSource() *source {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("unreachable")
	}
	//nolint:gosec // request ids are not security sensitive
	return &source{
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

// NewRequestID returns a random base62 string of the given length.
// Distribution is slightly non-uniform, which is acceptable for
// correlation ids.
func NewRequestID(length int) string {
	buf := make([]byte, length)

	pool.mut.Lock()
	for i := range buf {
		buf[i] = charset[pool.rng.IntN(charsetLen)]
	}
	pool.mut.Unlock()

	return string(buf)
}
