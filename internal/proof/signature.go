package proof

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureVerifier 从签名中恢复签名者地址。
type SignatureVerifier interface {
	Recover(message, signature []byte) (common.Address, error)
}

// Verify 校验签名是否来自 expected。
func Verify(v SignatureVerifier, expected common.Address, message, signature []byte) error {
	signer, err := v.Recover(message, signature)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, signer.Hex())
	}
	return nil
}

var (
	// ErrMalformedSignature 签名长度或恢复标识非法。
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrSignerMismatch 签名者与声明的调用方不一致。
	ErrSignerMismatch = errors.New("signer mismatch")
)

// PersonalSignVerifier 按 EIP-191 (personal_sign) 规则恢复签名者。
type PersonalSignVerifier struct{}

// Recover 实现 SignatureVerifier。兼容 v 为 27/28 的钱包签名。
func (PersonalSignVerifier) Recover(message, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, ErrMalformedSignature
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrMalformedSignature
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RequestDigest 计算 API 请求的签名摘要：keccak256(method ‖ path ‖ timestamp ‖ body)。
func RequestDigest(method, path, timestamp string, body []byte) []byte {
	return crypto.Keccak256([]byte(method), []byte(path), []byte(timestamp), body)
}
