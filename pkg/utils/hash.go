package utils

import (
	"crypto/md5"
	"fmt"
)

// HashBytes returns the hex MD5 of the content. Used as a cheap content
// identifier for ETags, not for anything security-sensitive.
func HashBytes(data []byte) string {
	hash := md5.Sum(data)
	return fmt.Sprintf("%x", hash)
}
