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

	"BuyBack-Agent/internal/web3"
)

const permit2ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"spender","type":"address"},{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"}],"outputs":[]}
]`

// amount 与 expiration 的链上位宽上限。
var (
	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	maxUint48  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))
)

// Permit2 grants time-bounded spending allowances through the shared
// allowance relay contract.
type Permit2 struct {
	address  common.Address
	contract *bind.BoundContract
	client   web3.Client
	signer   *Transactor
}

// NewPermit2 binds the allowance relay contract.
func NewPermit2(client web3.Client, address common.Address, signer *Transactor) (*Permit2, error) {
	if client == nil {
		return nil, errors.New("未配置链客户端")
	}
	if address == (common.Address{}) {
		return nil, errors.New("授权中继合约地址不能为空")
	}
	if signer == nil {
		return nil, errors.New("未配置签名账户")
	}

	parsed, err := abi.JSON(strings.NewReader(permit2ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析授权中继 ABI 失败: %w", err)
	}
	backend := client.ContractBackend()
	return &Permit2{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		client:   client,
		signer:   signer,
	}, nil
}

// Approve lets spender move up to amount of token until expiration.
func (p *Permit2) Approve(ctx context.Context, token, spender common.Address, amount *big.Int, expiration time.Time) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("授权数量不能为空或负数")
	}
	if amount.Cmp(maxUint160) > 0 {
		return errors.New("授权数量超出 uint160 上限")
	}
	expiry := big.NewInt(expiration.Unix())
	if expiry.Sign() < 0 || expiry.Cmp(maxUint48) > 0 {
		return errors.New("授权截止时间超出 uint48 范围")
	}

	tx, err := p.contract.Transact(p.signer.withContext(ctx), "approve", token, spender, amount, expiry)
	if err != nil {
		return fmt.Errorf("提交授权交易失败: %w", err)
	}
	outcome, err := p.client.WaitMined(ctx, tx)
	if err != nil {
		return err
	}
	if outcome.Reverted {
		return errors.New("授权交易被回滚")
	}
	return nil
}
