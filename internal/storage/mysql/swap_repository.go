package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// SwapRecord 表示一次已执行买回的落库结构。金额字段保存十进制 wei 字符串，
// 避免精度丢失。
type SwapRecord struct {
	PoolID    string `json:"pool_id"`
	Currency0 string `json:"currency0"`
	Currency1 string `json:"currency1"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
	Claimed   string `json:"claimed"`
	TxHash    string `json:"tx_hash"`
	CreatedAt int64  `json:"created_at"`
}

// SwapRepository 抽象买回历史的持久化接口。
type SwapRepository interface {
	Save(ctx context.Context, record SwapRecord) error
	ListLatest(ctx context.Context, limit int) ([]SwapRecord, error)
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// MemorySwapRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemorySwapRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []SwapRecord
}

// NewMemorySwapRepository 创建一个内存买回历史仓库。
func NewMemorySwapRepository(dataDir string) (*MemorySwapRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "swaps.log")
	repo := &MemorySwapRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录买回结果。
func (m *MemorySwapRepository) Save(_ context.Context, record SwapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开买回日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化买回记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入买回日志失败: %w", err)
	}

	m.records = append([]SwapRecord{record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ListLatest 返回最近的买回记录，按时间倒序排列。
func (m *MemorySwapRepository) ListLatest(_ context.Context, limit int) ([]SwapRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]SwapRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemorySwapRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取买回日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []SwapRecord
	for scanner.Scan() {
		var record SwapRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]SwapRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析买回日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLSwapRepository 使用真实的 MySQL 数据库存储买回历史。
type SQLSwapRepository struct {
	db *sql.DB
}

// NewSQLSwapRepository 创建连接池并执行数据库迁移。
func NewSQLSwapRepository(ctx context.Context, cfg Config) (*SQLSwapRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLSwapRepository{db: db}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将买回记录写入 MySQL。
func (s *SQLSwapRepository) Save(ctx context.Context, record SwapRecord) error {
	const stmt = `INSERT INTO swaps
        (pool_id, currency0, currency1, amount_in, amount_out, claimed, tx_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.PoolID,
		record.Currency0,
		record.Currency1,
		record.AmountIn,
		record.AmountOut,
		record.Claimed,
		record.TxHash,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条买回记录。
func (s *SQLSwapRepository) ListLatest(ctx context.Context, limit int) ([]SwapRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT pool_id, currency0, currency1, amount_in, amount_out, claimed, tx_hash, created_at
        FROM swaps ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询买回记录失败: %w", err)
	}
	defer rows.Close()

	var records []SwapRecord
	for rows.Next() {
		var record SwapRecord
		if err := rows.Scan(&record.PoolID, &record.Currency0, &record.Currency1, &record.AmountIn, &record.AmountOut, &record.Claimed, &record.TxHash, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析买回记录失败: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历买回记录失败: %w", err)
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLSwapRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
