package utils

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// shortHashLen is the number of hex characters kept from a digest.
const shortHashLen = 16

// HashIP returns a short, non-reversible digest of a client IP address.
func HashIP(ip string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(ip)))
	return hex.EncodeToString(sum[:])[:shortHashLen]
}

// DeviceFingerprint digests device attributes (user agent, platform, screen size...) in order.
func DeviceFingerprint(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:shortHashLen]
}
