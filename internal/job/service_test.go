package job

import (
	"context"
	stdErrors "errors"
	"testing"

	"BuyBack-Agent/internal/buyback"
	xerrors "BuyBack-Agent/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return stdErrors.New("broker unavailable")
}

func (failingProducer) Close() error { return nil }

func TestParseAmount(t *testing.T) {
	cases := []struct {
		name            string
		raw             string
		requirePositive bool
		want            string
		wantErr         bool
	}{
		{name: "plain integer", raw: "1000", requirePositive: true, want: "1000"},
		{name: "surrounding whitespace", raw: "  42  ", requirePositive: true, want: "42"},
		{name: "zero allowed", raw: "0", requirePositive: false, want: "0"},
		{name: "zero rejected when positive required", raw: "0", requirePositive: true, wantErr: true},
		{name: "empty", raw: "", requirePositive: false, wantErr: true},
		{name: "negative", raw: "-5", requirePositive: false, wantErr: true},
		{name: "not a number", raw: "10.5", requirePositive: false, wantErr: true},
		{name: "hex rejected", raw: "0x10", requirePositive: false, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount, err := ParseAmount(tc.raw, tc.requirePositive)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				if xerrors.CodeOf(err) != CodeJobValidation {
					t.Fatalf("expected validation code, got %s", xerrors.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.raw, err)
			}
			if amount.String() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, amount)
			}
		})
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "missing pool", req: SubmitRequest{AmountIn: "100"}},
		{name: "empty amount", req: SubmitRequest{Pool: testJobPool()}},
		{name: "zero amount", req: SubmitRequest{Pool: testJobPool(), AmountIn: "0"}},
		{name: "negative min", req: SubmitRequest{Pool: testJobPool(), AmountIn: "100", MinAmountOut: "-1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.Submit(ctx, tc.req); xerrors.CodeOf(err) != CodeJobValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	select {
	case jobID := <-queue.ch:
		t.Fatalf("invalid request must not be queued, got %s", jobID)
	default:
	}
}

func TestServiceSubmitQueuesJob(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 5)
	ctx := context.Background()

	job, err := service.Submit(ctx, SubmitRequest{Pool: testJobPool(), AmountIn: "1000"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
	if job.MinAmountOut != "0" {
		t.Fatalf("expected min amount default of 0, got %s", job.MinAmountOut)
	}
	if job.Status != StatusPending || job.MaxRetries != 5 {
		t.Fatalf("unexpected job: %+v", job)
	}

	select {
	case jobID := <-queue.ch:
		if jobID != job.ID {
			t.Fatalf("queued id %s does not match job %s", jobID, job.ID)
		}
	default:
		t.Fatal("expected job to be queued")
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	req := SubmitRequest{ID: "fixed-id", Pool: testJobPool(), AmountIn: "1000", MinAmountOut: "900"}
	first, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same job, got %s and %s", first.ID, second.ID)
	}

	queued := 0
	for {
		select {
		case <-queue.ch:
			queued++
			continue
		default:
		}
		break
	}
	if queued != 1 {
		t.Fatalf("expected exactly one queued entry, got %d", queued)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)
	ctx := context.Background()

	_, err := service.Submit(ctx, SubmitRequest{ID: "doomed", Pool: testJobPool(), AmountIn: "1000"})
	if xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}

	job, getErr := store.Get(ctx, "doomed")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if job.Status != StatusFailed || job.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("expected job marked failed with publish code, got %+v", job)
	}
}

func TestServiceSubmitRejectsSwappedPoolAtExecution(t *testing.T) {
	// 资金池代币顺序的链上校验发生在执行阶段，提交阶段只要求两个地址齐全。
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	swapped := buyback.PoolKey{
		Currency0:   testJobPool().Currency1,
		Currency1:   testJobPool().Currency0,
		Fee:         3000,
		TickSpacing: 60,
	}
	if _, err := service.Submit(ctx, SubmitRequest{Pool: swapped, AmountIn: "100"}); err != nil {
		t.Fatalf("submit with swapped currencies: %v", err)
	}
}
