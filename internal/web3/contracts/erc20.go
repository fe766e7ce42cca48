package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/web3"
)

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20 is a minimal token client covering the balance and transfer surface
// the agent needs.
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
	client   web3.Client
	signer   *Transactor
}

// NewERC20 binds a token contract at the given address.
func NewERC20(client web3.Client, address common.Address, signer *Transactor) (*ERC20, error) {
	if client == nil {
		return nil, errors.New("未配置链客户端")
	}
	if address == (common.Address{}) {
		return nil, errors.New("代币合约地址不能为空")
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	backend := client.ContractBackend()
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		client:   client,
		signer:   signer,
	}, nil
}

// Address returns the bound token contract address.
func (e *ERC20) Address() common.Address {
	return e.address
}

// BalanceOf reads the token balance of holder.
func (e *ERC20) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("代币余额返回值为空")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("代币余额返回值类型不符")
	}
	return balance, nil
}

// Transfer sends amount tokens to the recipient and waits for inclusion.
func (e *ERC20) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if e.signer == nil {
		return common.Hash{}, errors.New("未配置签名账户")
	}
	tx, err := e.contract.Transact(e.signer.withContext(ctx), "transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("提交代币划转失败: %w", err)
	}
	outcome, err := e.client.WaitMined(ctx, tx)
	if err != nil {
		return tx.Hash(), err
	}
	if outcome.Reverted {
		return outcome.Hash, errors.New("代币划转交易被回滚")
	}
	return outcome.Hash, nil
}
