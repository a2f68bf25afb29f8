package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey returns the hex sha256 of the parts, each terminated by a zero byte
// so that ("ab","c") and ("a","bc") differ
func HashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
