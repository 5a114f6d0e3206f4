// Package fingerprint derives stable grouping keys from failure messages.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Length is the number of hex characters in a fingerprint (128 bits).
const Length = 32

// Fingerprint returns a fixed-length lowercase hex digest of message.
// Invalid UTF-8 sequences are replaced with U+FFFD before hashing, so the
// result only depends on the decoded text.
func Fingerprint(message string) string {
	sum := sha256.Sum256([]byte(strings.ToValidUTF8(message, "�")))

	return hex.EncodeToString(sum[:])[:Length]
}
