package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Transactor holds the signing identity used for all outbound transactions.
type Transactor struct {
	opts    *bind.TransactOpts
	address common.Address
}

// NewTransactor derives a signer from a hex encoded private key.
func NewTransactor(privateKeyHex string, chainID *big.Int) (*Transactor, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, errors.New("未配置签名私钥")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("链 ID 不合法")
	}

	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("构建交易签名器失败: %w", err)
	}
	return &Transactor{opts: opts, address: opts.From}, nil
}

// NewTransactorFromOpts wraps externally prepared transact options, used by
// tests running against the simulated backend.
func NewTransactorFromOpts(opts *bind.TransactOpts) (*Transactor, error) {
	if opts == nil {
		return nil, errors.New("交易签名配置不能为空")
	}
	return &Transactor{opts: opts, address: opts.From}, nil
}

// Address returns the signing account address.
func (t *Transactor) Address() common.Address {
	if t == nil {
		return common.Address{}
	}
	return t.address
}

// withContext returns a shallow copy of the transact options bound to ctx so
// concurrent calls never share a mutable options struct.
func (t *Transactor) withContext(ctx context.Context) *bind.TransactOpts {
	opts := *t.opts
	opts.Context = ctx
	return &opts
}
