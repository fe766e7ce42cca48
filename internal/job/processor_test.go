package job

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/buyback"
	xerrors "BuyBack-Agent/internal/errors"
)

var testOperator = common.HexToAddress("0x1111111111111111111111111111111111111111")

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	fail      func(req buyback.Request) error
}

func (f *fakeExecutor) BuyBack(_ context.Context, _ common.Address, req buyback.Request) (*buyback.Receipt, error) {
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return nil, err
		}
	}
	f.processed.Add(1)
	return &buyback.Receipt{
		Pool:      req.Pool,
		AmountIn:  req.AmountIn,
		AmountOut: new(big.Int).Mul(req.AmountIn, big.NewInt(2)),
		Claimed:   new(big.Int),
		TxHash:    common.HexToHash("0xfeed"),
		CreatedAt: time.Now().Unix(),
	}, nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	executor := &fakeExecutor{latency: 2 * time.Millisecond}
	processor := NewProcessor(executor, store, queue, queue, testOperator, WithWorkerCount(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = processor.Start(ctx)
	}()

	const jobCount = 200
	for i := 0; i < jobCount; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{
			Pool:         testJobPool(),
			AmountIn:     "1000",
			MinAmountOut: "900",
		}); err != nil {
			t.Fatalf("submit job %d: %v", i, err)
		}
	}

	deadline := time.After(10 * time.Second)
	for executor.processed.Load() < jobCount {
		select {
		case <-deadline:
			t.Fatalf("timed out, processed %d of %d jobs", executor.processed.Load(), jobCount)
		case <-time.After(20 * time.Millisecond):
		}
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != jobCount {
		t.Fatalf("expected %d succeeded jobs, got %+v", jobCount, stats)
	}
}

func TestProcessorRecordsReceipt(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}
	processor := NewProcessor(executor, store, queue, queue, testOperator)

	ctx := context.Background()
	job := &Job{ID: "j1", Pool: testJobPool(), AmountIn: "1000", MinAmountOut: "900", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", stored.Status)
	}
	if stored.Result == nil || stored.Result.AmountOut != "2000" {
		t.Fatalf("unexpected result: %+v", stored.Result)
	}
	if stored.Result.PoolID != testJobPool().ID().Hex() {
		t.Fatalf("unexpected pool id: %s", stored.Result.PoolID)
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	var attempts atomic.Int32
	executor := &fakeExecutor{
		fail: func(buyback.Request) error {
			if attempts.Add(1) == 1 {
				return xerrors.New(xerrors.CodeChainFailure, "rpc 超时")
			}
			return nil
		},
	}
	processor := NewProcessor(executor, store, queue, queue, testOperator)

	ctx := context.Background()
	job := &Job{ID: "j1", Pool: testJobPool(), AmountIn: "1000", MinAmountOut: "0", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := processor.handle(ctx, "j1"); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	failed, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get after failure: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorCode != string(xerrors.CodeChainFailure) {
		t.Fatalf("unexpected job after failure: %+v", failed)
	}

	select {
	case requeued := <-queue.ch:
		if requeued != "j1" {
			t.Fatalf("unexpected requeued job id: %s", requeued)
		}
	default:
		t.Fatal("expected retryable job to be requeued")
	}

	if err := processor.handle(ctx, "j1"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	succeeded, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get after retry: %v", err)
	}
	if succeeded.Status != StatusSucceeded {
		t.Fatalf("expected succeeded after retry, got %+v", succeeded)
	}
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		fail: func(buyback.Request) error {
			return xerrors.New(xerrors.CodeUnauthorized, "调用方不是所有者")
		},
	}
	processor := NewProcessor(executor, store, queue, queue, testOperator)

	ctx := context.Background()
	job := &Job{ID: "j1", Pool: testJobPool(), AmountIn: "1000", MinAmountOut: "0", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	failed, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorCode != string(xerrors.CodeUnauthorized) {
		t.Fatalf("unexpected job: %+v", failed)
	}

	select {
	case requeued := <-queue.ch:
		t.Fatalf("non-retryable job must not be requeued, got %s", requeued)
	default:
	}
}

type fallbackRecovery struct {
	result Result
}

func (r *fallbackRecovery) Recover(context.Context, *Job, error) (*Result, error) {
	resultCopy := r.result
	return &resultCopy, nil
}

func TestProcessorAppliesRecoveryFallback(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		fail: func(buyback.Request) error {
			return xerrors.New(xerrors.CodeInvalidArgument, "金额非法")
		},
	}
	recovery := &fallbackRecovery{result: Result{AmountOut: "0", TxHash: ""}}
	processor := NewProcessor(executor, store, queue, queue, testOperator, WithRecoveryHandler(recovery))

	ctx := context.Background()
	job := &Job{ID: "j1", Pool: testJobPool(), AmountIn: "1000", MinAmountOut: "0", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	degraded, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if degraded.Status != StatusSucceeded {
		t.Fatalf("expected degraded job marked succeeded, got %+v", degraded)
	}
	if degraded.Result == nil || degraded.Result.AmountOut != "0" {
		t.Fatalf("unexpected fallback result: %+v", degraded.Result)
	}
}

func TestProcessorSkipsCompletedJob(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}
	processor := NewProcessor(executor, store, queue, queue, testOperator)

	ctx := context.Background()
	job := &Job{ID: "j1", Pool: testJobPool(), AmountIn: "1000", MinAmountOut: "0", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j1", Result{AmountOut: "1"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	if err := processor.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle completed job: %v", err)
	}
	if got := executor.processed.Load(); got != 0 {
		t.Fatalf("completed job must not be executed again, processed=%d", got)
	}
}
