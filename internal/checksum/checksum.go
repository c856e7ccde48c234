package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ETag returns sum as a strong entity tag.
func ETag(sum string) string {
	return `"` + sum + `"`
}

// Match reports whether an If-Match / If-None-Match header value names sum.
// The header may list several tags, weak tags or "*".
func Match(header, sum string) bool {
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" {
			return true
		}
		tag = strings.TrimPrefix(tag, "W/")
		if strings.Trim(tag, `"`) == sum {
			return true
		}
	}
	return false
}
