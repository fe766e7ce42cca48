package buyback

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"BuyBack-Agent/internal/web3"
)

// captureSubscriptionClient 记录订阅参数，日志通道由测试驱动。
type captureSubscriptionClient struct {
	query      gethcore.FilterQuery
	subscribed chan struct{}
	logs       chan coretypes.Log
}

func (c *captureSubscriptionClient) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}

func (c *captureSubscriptionClient) ContractBackend() bind.ContractBackend { return nil }

func (c *captureSubscriptionClient) ChainID(ctx context.Context) (string, error) {
	return "0x1", nil
}

func (c *captureSubscriptionClient) WaitMined(ctx context.Context, tx *coretypes.Transaction) (web3.TxOutcome, error) {
	return web3.TxOutcome{}, errors.New("not supported")
}

func (c *captureSubscriptionClient) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	c.query = query
	close(c.subscribed)
	return web3.NewEventSubscription(c.logs, nil), nil
}

func (c *captureSubscriptionClient) Close() {}

func TestRewardWatcherSubscribesToSettlementRecipient(t *testing.T) {
	client := &captureSubscriptionClient{
		subscribed: make(chan struct{}),
		logs:       make(chan coretypes.Log),
	}

	// 奖励结算到代理自身地址，监听器必须以它为过滤目标。
	watcher, err := NewRewardWatcher(client, testReward, testSelf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	select {
	case <-client.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not established")
	}

	query := client.query
	if len(query.Addresses) != 1 || query.Addresses[0] != testReward {
		t.Fatalf("expected reward token address filter, got %v", query.Addresses)
	}
	if len(query.Topics) != 3 || len(query.Topics[0]) != 1 || query.Topics[0][0] != transferTopic {
		t.Fatalf("expected Transfer topic filter, got %v", query.Topics)
	}
	wantRecipient := common.BytesToHash(common.LeftPadBytes(testSelf.Bytes(), 32))
	if len(query.Topics[2]) != 1 || query.Topics[2][0] != wantRecipient {
		t.Fatalf("watcher must filter inflows to the settlement recipient, got %v", query.Topics[2])
	}

	// 收到一条入账日志后监听应继续运行。
	client.logs <- coretypes.Log{
		Address: testReward,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.LeftPadBytes(testGovernance.Bytes(), 32)),
			wantRecipient,
		},
		Data:   common.LeftPadBytes(big.NewInt(500).Bytes(), 32),
		TxHash: common.HexToHash("0xabc"),
	}

	cancel()
	select {
	case runErr := <-done:
		if !errors.Is(runErr, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestNewRewardWatcherValidation(t *testing.T) {
	client := &captureSubscriptionClient{subscribed: make(chan struct{}), logs: make(chan coretypes.Log)}

	if _, err := NewRewardWatcher(nil, testReward, testSelf); err == nil {
		t.Fatalf("expected error for missing client")
	}
	if _, err := NewRewardWatcher(client, common.Address{}, testSelf); err == nil {
		t.Fatalf("expected error for missing token")
	}
	if _, err := NewRewardWatcher(client, testReward, common.Address{}); err == nil {
		t.Fatalf("expected error for missing recipient")
	}
}
