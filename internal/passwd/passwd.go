// Package passwd 校验与生成 crypt(3)/PHC 格式的口令摘要.
package passwd

import (
	"errors"
	"fmt"

	"github.com/go-crypt/crypt"
	"github.com/go-crypt/crypt/algorithm"
	"github.com/go-crypt/crypt/algorithm/argon2"
)

// ErrMalformedDigest 表示摘要无法被任何已知算法解析.
var ErrMalformedDigest = errors.New("malformed password digest")

// Verify 检查 plain 是否与 encoded 摘要匹配.
// 不匹配返回 (false, nil); 摘要本身有问题才返回错误.
func Verify(plain, encoded string) (bool, error) {
	if encoded == "" {
		return false, ErrMalformedDigest
	}

	decoder, err := crypt.NewDecoderAll()
	if err != nil {
		return false, fmt.Errorf("init digest decoder: %w", err)
	}

	var digest algorithm.Digest
	if digest, err = decoder.Decode(encoded); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}

	match, err := digest.MatchAdvanced(plain)
	if err != nil {
		return false, fmt.Errorf("password verification error: %w", err)
	}
	return match, nil
}

// Hash 使用 argon2id 生成可写入 [auth.users] 的摘要.
func Hash(plain string) (string, error) {
	hasher, err := argon2.New(argon2.WithProfileRFC9106LowMemory())
	if err != nil {
		return "", fmt.Errorf("init argon2 hasher: %w", err)
	}

	digest, err := hasher.Hash(plain)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return digest.Encode(), nil
}
