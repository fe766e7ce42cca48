package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/api"
	"BuyBack-Agent/internal/auth"
	"BuyBack-Agent/internal/buyback"
	"BuyBack-Agent/internal/config"
	"BuyBack-Agent/internal/job"
	"BuyBack-Agent/internal/observability/alerting"
	"BuyBack-Agent/internal/observability/metrics"
	"BuyBack-Agent/internal/storage/mysql"
	"BuyBack-Agent/internal/web3"
	"BuyBack-Agent/internal/web3/contracts"
	"BuyBack-Agent/internal/web3/provider"
	"BuyBack-Agent/pkg/logger"
)

// main 是买回守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("buybackd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("BUYBACK_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "buyback.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Trade: logger.TradeConfig{
			Enabled:    cfg.Log.Trade.Enabled,
			Path:       cfg.Log.Trade.Path,
			MaxSizeMB:  cfg.Log.Trade.MaxSizeMB,
			MaxBackups: cfg.Log.Trade.MaxBackups,
			MaxAgeDays: cfg.Log.Trade.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 兑换流水仓库。
	var history mysql.SwapRepository
	switch cfg.Storage.History.Driver {
	case "memory", "":
		repo, err := mysql.NewMemorySwapRepository(dataDir)
		if err != nil {
			return err
		}
		history = repo
	case "mysql":
		repo, err := mysql.NewSQLSwapRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.History.DSN,
			MaxOpenConns:    cfg.Storage.JobStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.JobStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.JobStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.JobStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		history = repo
	default:
		return mysql.ErrUnsupportedDriver
	}
	if closer, ok := history.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// 作业存储。
	var jobStore job.Store
	switch cfg.Storage.JobStore.Driver {
	case "memory", "":
		jobStore = job.NewMemoryStore()
	case "mysql":
		store, err := job.NewMySQLStore(cfg.Storage.JobStore.DSN)
		if err != nil {
			return err
		}
		jobStore = store
	default:
		return mysql.ErrUnsupportedDriver
	}
	defer func() {
		if jobStore != nil {
			_ = jobStore.Close()
		}
	}()

	// 作业队列。
	var jobQueue job.Queue
	switch cfg.JobQueue.Driver {
	case "", "memory":
		jobQueue = job.NewMemoryQueue(1024)
	case "redis":
		queue, err := job.NewRedisQueue(job.RedisQueueConfig{
			Address:   cfg.JobQueue.Redis.Address,
			Password:  cfg.JobQueue.Redis.Password,
			DB:        cfg.JobQueue.Redis.DB,
			Queue:     cfg.JobQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.JobQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		jobQueue = queue
	case "rabbitmq":
		queue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.JobQueue.RabbitMQ.URL,
			Queue:      cfg.JobQueue.RabbitMQ.Queue,
			Prefetch:   cfg.JobQueue.RabbitMQ.Prefetch,
			Durable:    cfg.JobQueue.RabbitMQ.Durable,
			AutoDelete: cfg.JobQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		jobQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.JobQueue.Driver)
	}
	defer func() {
		if jobQueue != nil {
			if err := jobQueue.Close(); err != nil {
				logger.L().Warn("关闭作业队列失败", slog.Any("error", err))
			}
		}
	}()

	// 链客户端。
	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	chainID, err := resolveChainID(ctx, web3Client.ChainID)
	if err != nil {
		return err
	}

	privateKey := strings.TrimSpace(os.Getenv(cfg.BuyBack.PrivateKeyEnv))
	if privateKey == "" {
		return fmt.Errorf("环境变量 %s 未提供操作员私钥", cfg.BuyBack.PrivateKeyEnv)
	}
	signer, err := contracts.NewTransactor(privateKey, chainID)
	if err != nil {
		return err
	}

	agent, err := buildAgent(cfg, web3Client, signer, history)
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	jobService := job.NewService(jobStore, jobQueue, cfg.Storage.JobStore.Retries)
	processor := job.NewProcessor(agent, jobStore, jobQueue, jobQueue, signer.Address(),
		job.WithWorkerCount(cfg.JobQueue.Worker),
		job.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	// 奖励代币入账监听。治理奖励结算到签名账户（即代理自身），
	// 订阅失败不阻止守护进程启动。
	watcher, err := buyback.NewRewardWatcher(web3Client, common.HexToAddress(cfg.BuyBack.RewardToken), signer.Address())
	if err == nil {
		go func() {
			if err := watcher.Run(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("奖励入账监听退出", slog.Any("error", err))
			}
		}()
	} else {
		logger.L().Warn("奖励入账监听未启动", slog.Any("error", err))
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(processorCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, jobService, agent, authSvc, signer.Address())

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildAgent 组装买回代理及其链上协作方。
func buildAgent(cfg *config.Config, client web3.Client, signer *contracts.Transactor, history mysql.SwapRepository) (*buyback.Agent, error) {
	addresses := map[string]string{
		"owner":        cfg.BuyBack.Owner,
		"governance":   cfg.BuyBack.Governance,
		"router":       cfg.BuyBack.Router,
		"permit2":      cfg.BuyBack.Permit2,
		"reward_token": cfg.BuyBack.RewardToken,
		"target_token": cfg.BuyBack.TargetToken,
	}
	for name, raw := range addresses {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("配置项 buyback.%s 的地址 %q 非法", name, raw)
		}
	}

	governance, err := contracts.NewGovernance(client, common.HexToAddress(cfg.BuyBack.Governance), common.HexToAddress(cfg.BuyBack.RewardToken), signer)
	if err != nil {
		return nil, err
	}
	permit2, err := contracts.NewPermit2(client, common.HexToAddress(cfg.BuyBack.Permit2), signer)
	if err != nil {
		return nil, err
	}
	router, err := contracts.NewRouter(client, common.HexToAddress(cfg.BuyBack.Router), signer)
	if err != nil {
		return nil, err
	}
	rewardToken, err := contracts.NewERC20(client, common.HexToAddress(cfg.BuyBack.RewardToken), signer)
	if err != nil {
		return nil, err
	}
	targetToken, err := contracts.NewERC20(client, common.HexToAddress(cfg.BuyBack.TargetToken), signer)
	if err != nil {
		return nil, err
	}

	return buyback.New(
		buyback.Config{
			Owner:       common.HexToAddress(cfg.BuyBack.Owner),
			Self:        signer.Address(),
			Governance:  common.HexToAddress(cfg.BuyBack.Governance),
			Router:      common.HexToAddress(cfg.BuyBack.Router),
			RewardToken: common.HexToAddress(cfg.BuyBack.RewardToken),
			TargetToken: common.HexToAddress(cfg.BuyBack.TargetToken),
		},
		governance,
		permit2,
		router,
		rewardToken,
		targetToken,
		buyback.WithHistory(history),
		buyback.WithDeadlineWindow(cfg.BuyBack.Deadline()),
	)
}

// resolveChainID 将客户端返回的十六进制链 ID 转为大整数。
func resolveChainID(ctx context.Context, fetch func(context.Context) (string, error)) (*big.Int, error) {
	raw, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	chainID, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("链 ID %q 非法", raw)
	}
	return chainID, nil
}
