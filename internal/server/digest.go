package server

import (
	"crypto/md5"
	"encoding/hex"
)

// Hash returns the first 16 hex digits of the MD5 digest of s. It is used
// wherever a room key must be named without being revealed: log fields and
// relay subjects.
func Hash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
