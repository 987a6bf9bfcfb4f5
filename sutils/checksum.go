package sutils

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// MD5Hex returns the upper-case hex MD5 digest of data
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ChecksumMatches compares the digest of data with a declared hex
// checksum, ignoring case
func ChecksumMatches(data []byte, checksum string) bool {
	return strings.EqualFold(MD5Hex(data), strings.TrimSpace(checksum))
}
