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

const governanceABIJSON = `[
  {"type":"function","name":"claimForInitiative","stateMutability":"nonpayable","inputs":[{"name":"initiative","type":"address"}],"outputs":[{"name":"claimed","type":"uint256"}]}
]`

// Governance settles accrued rewards for an initiative through the governance
// contract's claimForInitiative entry point.
type Governance struct {
	address      common.Address
	contract     *bind.BoundContract
	rewardLedger *bind.BoundContract
	client       web3.Client
	signer       *Transactor
}

// NewGovernance binds the governance contract. rewardToken is the token the
// governance contract pays rewards in; it is read around each claim to
// measure the settled amount.
func NewGovernance(client web3.Client, address, rewardToken common.Address, signer *Transactor) (*Governance, error) {
	if client == nil {
		return nil, errors.New("未配置链客户端")
	}
	if address == (common.Address{}) {
		return nil, errors.New("治理合约地址不能为空")
	}
	if rewardToken == (common.Address{}) {
		return nil, errors.New("奖励代币地址不能为空")
	}
	if signer == nil {
		return nil, errors.New("未配置签名账户")
	}

	parsed, err := abi.JSON(strings.NewReader(governanceABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析治理合约 ABI 失败: %w", err)
	}
	ledgerABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	backend := client.ContractBackend()
	return &Governance{
		address:      address,
		contract:     bind.NewBoundContract(address, parsed, backend, backend, backend),
		rewardLedger: bind.NewBoundContract(rewardToken, ledgerABI, backend, backend, backend),
		client:       client,
		signer:       signer,
	}, nil
}

// ClaimForInitiative settles rewards owed to the initiative and returns the
// amount actually received, measured as the initiative's reward-token balance
// delta around the claim transaction. The contract's simulated return value is
// not trusted: state can move between simulation and inclusion.
func (g *Governance) ClaimForInitiative(ctx context.Context, initiative common.Address) (*big.Int, error) {
	before, err := g.rewardBalance(ctx, initiative)
	if err != nil {
		return nil, err
	}

	tx, err := g.contract.Transact(g.signer.withContext(ctx), "claimForInitiative", initiative)
	if err != nil {
		return nil, fmt.Errorf("提交奖励结算失败: %w", err)
	}
	outcome, err := g.client.WaitMined(ctx, tx)
	if err != nil {
		return nil, err
	}
	if outcome.Reverted {
		return nil, errors.New("奖励结算交易被回滚")
	}

	after, err := g.rewardBalance(ctx, initiative)
	if err != nil {
		return nil, err
	}
	claimed := new(big.Int).Sub(after, before)
	if claimed.Sign() < 0 {
		claimed = new(big.Int)
	}
	return claimed, nil
}

// rewardBalance reads the initiative's reward-token balance.
func (g *Governance) rewardBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	var out []any
	if err := g.rewardLedger.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("查询奖励代币余额失败: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("奖励代币余额返回值为空")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("奖励代币余额返回值类型不符")
	}
	return balance, nil
}
