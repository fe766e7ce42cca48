package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/buyback"
	"BuyBack-Agent/internal/web3"
)

const routerABIJSON = `[
  {"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"commands","type":"bytes"},{"name":"inputs","type":"bytes[]"},{"name":"deadline","type":"uint256"}],"outputs":[]}
]`

// 路由命令与 V4 动作编号。
const (
	commandV4Swap = 0x10

	actionSwapExactInSingle = 0x06
	actionSettleAll         = 0x0c
	actionTakeAll           = 0x0f
)

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

var poolKeyComponents = []abi.ArgumentMarshaling{
	{Name: "currency0", Type: "address"},
	{Name: "currency1", Type: "address"},
	{Name: "fee", Type: "uint24"},
	{Name: "tickSpacing", Type: "int24"},
	{Name: "hooks", Type: "address"},
}

var (
	swapParamsType = mustNewType("tuple", []abi.ArgumentMarshaling{
		{Name: "poolKey", Type: "tuple", Components: poolKeyComponents},
		{Name: "zeroForOne", Type: "bool"},
		{Name: "amountIn", Type: "uint128"},
		{Name: "amountOutMinimum", Type: "uint128"},
		{Name: "hookData", Type: "bytes"},
	})
	addressType    = mustNewType("address", nil)
	uint256Type    = mustNewType("uint256", nil)
	bytesType      = mustNewType("bytes", nil)
	bytesSliceType = mustNewType("bytes[]", nil)
)

func mustNewType(name string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(name, "", components)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", name, err))
	}
	return typ
}

// abi 编码用的 Go 侧结构，字段顺序与组件定义一致。
type v4PoolKey struct {
	Currency0   common.Address
	Currency1   common.Address
	Fee         *big.Int
	TickSpacing *big.Int
	Hooks       common.Address
}

type v4ExactInSingle struct {
	PoolKey          v4PoolKey
	ZeroForOne       bool
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	HookData         []byte
}

// Router submits swaps through a universal-router style contract: a command
// byte string plus one ABI encoded input blob per command.
type Router struct {
	address  common.Address
	contract *bind.BoundContract
	client   web3.Client
	signer   *Transactor
}

// NewRouter binds the swap router contract.
func NewRouter(client web3.Client, address common.Address, signer *Transactor) (*Router, error) {
	if client == nil {
		return nil, errors.New("未配置链客户端")
	}
	if address == (common.Address{}) {
		return nil, errors.New("路由合约地址不能为空")
	}
	if signer == nil {
		return nil, errors.New("未配置签名账户")
	}

	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析路由合约 ABI 失败: %w", err)
	}
	backend := client.ContractBackend()
	return &Router{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		client:   client,
		signer:   signer,
	}, nil
}

// SwapExactInSingle executes one exact-input single-hop swap. The payload is
// a single V4_SWAP command whose input carries three actions: the swap
// itself, a SETTLE_ALL paying the input currency and a TAKE_ALL collecting
// the output currency.
func (r *Router) SwapExactInSingle(ctx context.Context, pool buyback.PoolKey, zeroForOne bool, amountIn, minAmountOut *big.Int, deadline time.Time) (common.Hash, error) {
	input, err := encodeV4ExactInSingle(pool, zeroForOne, amountIn, minAmountOut)
	if err != nil {
		return common.Hash{}, err
	}

	commands := []byte{commandV4Swap}
	inputs := [][]byte{input}
	tx, err := r.contract.Transact(r.signer.withContext(ctx), "execute", commands, inputs, big.NewInt(deadline.Unix()))
	if err != nil {
		return common.Hash{}, fmt.Errorf("提交兑换交易失败: %w", err)
	}
	outcome, err := r.client.WaitMined(ctx, tx)
	if err != nil {
		return tx.Hash(), err
	}
	if outcome.Reverted {
		return outcome.Hash, errors.New("兑换交易被回滚")
	}
	return outcome.Hash, nil
}

// encodeV4ExactInSingle builds the V4 action byte string and the per-action
// parameter blobs for a single-hop exact-input swap.
func encodeV4ExactInSingle(pool buyback.PoolKey, zeroForOne bool, amountIn, minAmountOut *big.Int) ([]byte, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, errors.New("兑换输入数量必须为正数")
	}
	if minAmountOut == nil || minAmountOut.Sign() < 0 {
		return nil, errors.New("最小产出不能为空或负数")
	}
	if amountIn.Cmp(maxUint128) > 0 || minAmountOut.Cmp(maxUint128) > 0 {
		return nil, errors.New("兑换数量超出 uint128 上限")
	}

	swapBlob, err := abi.Arguments{{Type: swapParamsType}}.Pack(v4ExactInSingle{
		PoolKey: v4PoolKey{
			Currency0:   pool.Currency0,
			Currency1:   pool.Currency1,
			Fee:         new(big.Int).SetUint64(uint64(pool.Fee)),
			TickSpacing: big.NewInt(int64(pool.TickSpacing)),
			Hooks:       pool.Hooks,
		},
		ZeroForOne:       zeroForOne,
		AmountIn:         amountIn,
		AmountOutMinimum: minAmountOut,
		HookData:         []byte{},
	})
	if err != nil {
		return nil, fmt.Errorf("编码兑换参数失败: %w", err)
	}

	// 输入、输出代币由兑换方向决定。
	inputCurrency, outputCurrency := pool.Currency1, pool.Currency0
	if zeroForOne {
		inputCurrency, outputCurrency = pool.Currency0, pool.Currency1
	}

	currencyAmount := abi.Arguments{{Type: addressType}, {Type: uint256Type}}
	settleBlob, err := currencyAmount.Pack(inputCurrency, amountIn)
	if err != nil {
		return nil, fmt.Errorf("编码结清参数失败: %w", err)
	}
	takeBlob, err := currencyAmount.Pack(outputCurrency, minAmountOut)
	if err != nil {
		return nil, fmt.Errorf("编码收取参数失败: %w", err)
	}

	actions := []byte{actionSwapExactInSingle, actionSettleAll, actionTakeAll}
	params := [][]byte{swapBlob, settleBlob, takeBlob}

	encoded, err := abi.Arguments{{Type: bytesType}, {Type: bytesSliceType}}.Pack(actions, params)
	if err != nil {
		return nil, fmt.Errorf("编码动作序列失败: %w", err)
	}
	return encoded, nil
}
