package core_domain

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// NormalizeDestination canonicalizes a destination address so suppression and
// unsubscribe matching is by exact normalized equality. Email addresses are
// lowercased and trimmed; phone numbers keep digits and a leading plus.
func NormalizeDestination(destination string) string {
	d := strings.TrimSpace(destination)
	if strings.ContainsRune(d, '@') {
		return strings.ToLower(d)
	}
	var b strings.Builder
	for i, r := range d {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashAddress is the one-way hash (SHA3-256, hex) of a normalized destination
// used as the unsubscribe lookup key.
func HashAddress(normalizedDestination string) string {
	sum := sha3.Sum256([]byte(normalizedDestination))
	return hex.EncodeToString(sum[:])
}
