package util

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint 返回设备地址的短摘要，日志中不出现原始 token
func Fingerprint(address string) string {
	if address == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(address))
	return hex.EncodeToString(sum[:6])
}
