package buyback

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Governance 抽象治理合约中与买回相关的结算能力。
type Governance interface {
	// ClaimForInitiative 结算并转出欠付给 initiative 的奖励代币，返回实际
	// 到账的数量（可能为零）。
	ClaimForInitiative(ctx context.Context, initiative common.Address) (*big.Int, error)
}

// ApprovalRelay 抽象 Permit2 风格的授权中继。
type ApprovalRelay interface {
	// Approve 授权 spender 在 expiration 之前最多划转 amount 数量的 token。
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int, expiration time.Time) error
}

// SwapRouter 抽象兑换路由合约。实现负责把单跳精确输入的兑换请求编码成
// 路由器的命令序列并提交。
type SwapRouter interface {
	// SwapExactInSingle 在指定资金池中执行一次精确输入的单跳兑换。
	// zeroForOne 为 false 表示以 currency1 换取 currency0。
	SwapExactInSingle(ctx context.Context, pool PoolKey, zeroForOne bool, amountIn, minAmountOut *big.Int, deadline time.Time) (common.Hash, error)
}

// TokenLedger 抽象标准代币账本的余额查询与划转能力。
type TokenLedger interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
}
