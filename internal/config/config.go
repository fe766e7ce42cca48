package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了买回守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	JobQueue JobQueueConfig `json:"job_queue"`
	Web3     Web3Config     `json:"web3"`
	BuyBack  BuyBackConfig  `json:"buyback"`
	Auth     AuthConfig     `json:"auth"`
	Log      LogConfig      `json:"log"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息。
type StorageConfig struct {
	JobStore JobStoreConfig `json:"job_store"`
	History  HistoryConfig  `json:"history"`
}

// JobStoreConfig 描述作业存储，默认提供内存实现，可切换到 MySQL。
type JobStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Retries                int    `json:"retries"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// HistoryConfig 描述兑换流水的落盘方式。memory 驱动写入数据目录下的
// JSON 行文件，mysql 驱动共享作业存储的连接参数。
type HistoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// JobQueueConfig 描述作业队列驱动及其连接参数。
type JobQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。BlockWait 单位为秒。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。ChainConfig 指向
// YAML 格式的多链定义文件，RPCURL 在未提供多链定义时作为单链兜底。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// BuyBackConfig 描述买回代理的链上参与方。地址均为 0x 前缀的十六进制，
// 操作员私钥通过 PrivateKeyEnv 指定的环境变量注入。
type BuyBackConfig struct {
	Owner           string     `json:"owner"`
	PrivateKeyEnv   string     `json:"private_key_env"`
	Governance      string     `json:"governance"`
	Router          string     `json:"router"`
	Permit2         string     `json:"permit2"`
	RewardToken     string     `json:"reward_token"`
	TargetToken     string     `json:"target_token"`
	DeadlineMinutes int        `json:"deadline_minutes"`
	Pool            PoolConfig `json:"pool"`
}

// PoolConfig 描述默认兑换资金池。Currency0 必须是目标代币，
// Currency1 必须是奖励代币。
type PoolConfig struct {
	Currency0   string `json:"currency0"`
	Currency1   string `json:"currency1"`
	Fee         uint32 `json:"fee"`
	TickSpacing int32  `json:"tick_spacing"`
	Hooks       string `json:"hooks"`
}

// AuthConfig 描述 API 的访问令牌。
type AuthConfig struct {
	Enabled bool          `json:"enabled"`
	Tokens  []TokenConfig `json:"tokens"`
}

// TokenConfig 将访问令牌映射到主体与其链上调用地址。
type TokenConfig struct {
	Token       string   `json:"token"`
	Subject     string   `json:"subject"`
	Address     string   `json:"address"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// LogConfig 描述日志级别、格式与交易流水输出。
type LogConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Trade       TradeLogConfig `json:"trade"`
}

// TradeLogConfig 控制交易流水日志的滚动策略。
type TradeLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	if c.Storage.JobStore.Retries <= 0 {
		c.Storage.JobStore.Retries = 3
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Storage.History.DSN == "" {
		c.Storage.History.DSN = c.Storage.JobStore.DSN
	}

	if c.JobQueue.Driver == "" {
		c.JobQueue.Driver = "memory"
	}
	if c.JobQueue.Worker <= 0 {
		c.JobQueue.Worker = 4
	}

	if c.BuyBack.PrivateKeyEnv == "" {
		c.BuyBack.PrivateKeyEnv = "BUYBACK_PRIVATE_KEY"
	}
	if c.BuyBack.DeadlineMinutes <= 0 {
		c.BuyBack.DeadlineMinutes = 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Log.Trade.Enabled {
		if c.Log.Trade.Path == "" {
			c.Log.Trade.Path = filepath.Join(c.Runtime.DataDir, "trade", "ledger.log")
		} else if !filepath.IsAbs(c.Log.Trade.Path) {
			c.Log.Trade.Path = filepath.Join(baseDir, c.Log.Trade.Path)
		}
	}
}

// Deadline 返回买回操作使用的截止时间窗口。
func (b BuyBackConfig) Deadline() time.Duration {
	return time.Duration(b.DeadlineMinutes) * time.Minute
}
