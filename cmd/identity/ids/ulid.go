// Package ids generates the ULID identifiers used across relay entities.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is shared and monotonic: two ULIDs minted in the same millisecond
// still sort in mint order. ulid.Monotonic is not safe for concurrent use,
// hence the lock.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID mints a 26-char ULID for the given time (zero means now).
// Lexicographic order follows creation order, which keeps id-sorted listings
// chronological without a separate timestamp column.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
