package proof

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash 返回 proof 的 keccak256 摘要，与链上合约的条件哈希一致。
func Hash(proof []byte) common.Hash {
	return crypto.Keccak256Hash(proof)
}

// Matches 判断 proof 是否满足条件。零哈希表示没有条件，任意 proof 都满足。
func Matches(condition common.Hash, proof []byte) bool {
	if condition == (common.Hash{}) {
		return true
	}
	return Hash(proof) == condition
}
