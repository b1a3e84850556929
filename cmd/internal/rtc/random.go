package rtc

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// NewRandomHex returns 2*n hex chars of cryptographically secure randomness,
// defaulting to 16 bytes when n is not positive. Used for envelope and
// session ids: uniqueness matters, secrecy does not.
func NewRandomHex(n int) string {
	if n <= 0 {
		n = 16
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// The platform entropy source is gone; a timestamp id keeps log
		// correlation working in that state.
		return "t" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}
