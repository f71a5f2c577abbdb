package util

import (
	"crypto/md5"
	"encoding/hex"
)

// BytesMD5 计算多段字节拼接后的 MD5
func BytesMD5(parts ...[]byte) string {
	hash := md5.New()
	for _, p := range parts {
		hash.Write(p)
		// 分隔符，避免 "ab"+"c" 和 "a"+"bc" 得到同一个值
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}
