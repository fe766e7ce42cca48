package buyback

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "BuyBack-Agent/internal/errors"
	"BuyBack-Agent/internal/web3"
	"BuyBack-Agent/pkg/logger"
)

// transferTopic 是标准代币 Transfer(address,address,uint256) 事件的签名哈希。
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// RewardWatcher 订阅奖励代币流入代理地址的 Transfer 事件，把每笔到账写入
// 交易台账，让运营方无须轮询余额即可看到治理结算的到账记录。
type RewardWatcher struct {
	client      web3.Client
	rewardToken common.Address
	recipient   common.Address
}

// NewRewardWatcher 创建奖励到账监听器。
func NewRewardWatcher(client web3.Client, rewardToken, recipient common.Address) (*RewardWatcher, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Web3 客户端")
	}
	if rewardToken == (common.Address{}) || recipient == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "监听地址不能为空")
	}
	return &RewardWatcher{
		client:      client,
		rewardToken: rewardToken,
		recipient:   recipient,
	}, nil
}

// Run 阻塞消费 Transfer 事件直到 ctx 取消或订阅出错。
func (w *RewardWatcher) Run(ctx context.Context) error {
	query := gethcore.FilterQuery{
		Addresses: []common.Address{w.rewardToken},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(common.LeftPadBytes(w.recipient.Bytes(), 32))},
		},
	}

	sub, err := w.client.SubscribeEvents(ctx, query)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "订阅奖励代币事件失败")
	}
	defer sub.Close()

	logger.L().Info("奖励到账监听已启动",
		"token", w.rewardToken.Hex(),
		"recipient", w.recipient.Hex())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-sub.Err():
			if !ok {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeChainFailure, err, "奖励代币订阅中断")
		case log, ok := <-sub.Logs():
			if !ok {
				return nil
			}
			if len(log.Topics) < 3 {
				continue
			}
			from := common.BytesToAddress(log.Topics[1].Bytes())
			amount := new(big.Int).SetBytes(log.Data)
			logger.Trade().Info("reward inflow",
				"token", w.rewardToken.Hex(),
				"from", from.Hex(),
				"amount", amount.String(),
				"tx_hash", log.TxHash.Hex(),
				"block", log.BlockNumber)
		}
	}
}
