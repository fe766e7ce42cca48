package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"BuyBack-Agent/internal/buyback"
	xerrors "BuyBack-Agent/internal/errors"
	"BuyBack-Agent/pkg/logger"
)

// SubmitRequest 描述一次买回作业的提交参数。金额使用十进制字符串，
// 由服务负责解析与校验。
type SubmitRequest struct {
	ID           string          `json:"id,omitempty"`
	Pool         buyback.PoolKey `json:"pool"`
	AmountIn     string          `json:"amount_in"`
	MinAmountOut string          `json:"min_amount_out"`
	ClaimFirst   bool            `json:"claim_first"`
}

// Service 负责买回作业的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// ParseAmount 解析十进制金额字符串。requirePositive 为 true 时金额必须大于零。
func ParseAmount(raw string, requirePositive bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, xerrors.New(CodeJobValidation, "金额不能为空")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, xerrors.New(CodeJobValidation, "金额必须是十进制整数")
	}
	if amount.Sign() < 0 {
		return nil, xerrors.New(CodeJobValidation, "金额不能为负数")
	}
	if requirePositive && amount.Sign() == 0 {
		return nil, xerrors.New(CodeJobValidation, "金额必须大于零")
	}
	return amount, nil
}

// Submit 创建一个新的买回作业并推送到队列。携带相同 ID 的重复提交是幂等的。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	if !req.Pool.HasCurrencies() {
		return nil, xerrors.New(CodeJobValidation, "资金池必须携带两个代币地址")
	}
	if _, err := ParseAmount(req.AmountIn, true); err != nil {
		return nil, err
	}
	minOut := strings.TrimSpace(req.MinAmountOut)
	if minOut == "" {
		minOut = "0"
	}
	if _, err := ParseAmount(minOut, false); err != nil {
		return nil, err
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:           jobID,
		Pool:         req.Pool,
		AmountIn:     strings.TrimSpace(req.AmountIn),
		MinAmountOut: minOut,
		ClaimFirst:   req.ClaimFirst,
		Status:       StatusPending,
		Attempts:     0,
		MaxRetries:   s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Trade().Info("buyback job queued",
		slog.String("job_id", jobID),
		slog.String("pool_id", job.Pool.ID().Hex()),
		slog.String("amount_in", job.AmountIn),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询作业状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == StatusSucceeded || job.Status == StatusFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
