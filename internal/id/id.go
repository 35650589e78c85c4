package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a random 128-bit hex id. If the system random source fails it
// falls back to a timestamp-derived id.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("job-%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
