package core

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateID returns a new ULID-based id. Ids generated by one process are
// strictly monotonic, which gives the transaction log its total order.
func GenerateID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Now returns the current time as a document timestamp.
func Now() Timestamp {
	return time.Now().UnixMilli()
}
