package buyback

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// PoolKey 是一次兑换所使用资金池的规范化标识。currency0 必须是目标代币，
// currency1 必须是奖励代币；代理在每次买回前逐槽校验。
type PoolKey struct {
	Currency0   common.Address `json:"currency0"`
	Currency1   common.Address `json:"currency1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tick_spacing"`
	Hooks       common.Address `json:"hooks"`
}

// ID 返回资金池的链上标识，即池键 ABI 编码后的 keccak256 哈希。
func (k PoolKey) ID() common.Hash {
	encoded := make([]byte, 0, 160)
	encoded = append(encoded, common.LeftPadBytes(k.Currency0.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(k.Currency1.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(new(big.Int).SetUint64(uint64(k.Fee)).Bytes(), 32)...)
	encoded = append(encoded, math.U256Bytes(big.NewInt(int64(k.TickSpacing)))...)
	encoded = append(encoded, common.LeftPadBytes(k.Hooks.Bytes(), 32)...)
	return crypto.Keccak256Hash(encoded)
}

// HasCurrencies 判断池键是否携带了两个非零代币地址。
func (k PoolKey) HasCurrencies() bool {
	return k.Currency0 != (common.Address{}) && k.Currency1 != (common.Address{})
}
