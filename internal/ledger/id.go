package ledger

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Entity id prefixes.
const (
	PrefixChannel = "ch"
	PrefixStream  = "st"
	PrefixMeter   = "mt"
	PrefixDevice  = "dev"
	PrefixCharge  = "uc"
)

// NewID returns a prefixed ULID, e.g. "ch_01J8ZQ4T2N...".
func NewID(prefix string) string {
	return prefix + "_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// HasPrefix reports whether id carries the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
