package utils

import (
	"crypto/rand"
	"math/big"
)

const (
	GroupIDLength   = 6
	groupIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewGroupID 生成 6 位大写字母数字群组 id，唯一性由写入时的存在性检查保证
func NewGroupID() (string, error) {
	buf := make([]byte, GroupIDLength)
	max := big.NewInt(int64(len(groupIDAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = groupIDAlphabet[n.Int64()]
	}
	return string(buf), nil
}
