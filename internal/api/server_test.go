package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/auth"
	"BuyBack-Agent/internal/buyback"
	"BuyBack-Agent/internal/config"
	"BuyBack-Agent/internal/job"
)

var (
	apiOwner      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	apiSelf       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	apiGovernance = common.HexToAddress("0x3333333333333333333333333333333333333333")
	apiRouter     = common.HexToAddress("0x4444444444444444444444444444444444444444")
	apiReward     = common.HexToAddress("0x5555555555555555555555555555555555555555")
	apiTarget     = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

type stubGovernance struct {
	claimed *big.Int
}

func (g *stubGovernance) ClaimForInitiative(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(g.claimed), nil
}

type stubApprovals struct{}

func (stubApprovals) Approve(context.Context, common.Address, common.Address, *big.Int, time.Time) error {
	return nil
}

type stubRouter struct{}

func (stubRouter) SwapExactInSingle(context.Context, buyback.PoolKey, bool, *big.Int, *big.Int, time.Time) (common.Hash, error) {
	return common.HexToHash("0xbeef"), nil
}

type stubLedger struct {
	balance *big.Int
}

func (l *stubLedger) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(l.balance), nil
}

func (l *stubLedger) Transfer(_ context.Context, _ common.Address, amount *big.Int) (common.Hash, error) {
	l.balance.Sub(l.balance, amount)
	return common.HexToHash("0xcafe"), nil
}

func testAgent(t *testing.T) *buyback.Agent {
	t.Helper()
	agent, err := buyback.New(
		buyback.Config{
			Owner:       apiOwner,
			Self:        apiSelf,
			Governance:  apiGovernance,
			Router:      apiRouter,
			RewardToken: apiReward,
			TargetToken: apiTarget,
		},
		&stubGovernance{claimed: big.NewInt(500)},
		stubApprovals{},
		stubRouter{},
		&stubLedger{balance: big.NewInt(10_000)},
		&stubLedger{balance: big.NewInt(2_000)},
	)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent
}

func testServer(t *testing.T, authSvc *auth.Service) (*Server, *job.Service) {
	t.Helper()
	store := job.NewMemoryStore()
	queue := job.NewMemoryQueue(16)
	jobs := job.NewService(store, queue, 3)
	server := NewServer(":0", jobs, testAgent(t), authSvc, apiOwner)
	return server, jobs
}

func submitPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(job.SubmitRequest{
		Pool: buyback.PoolKey{
			Currency0:   apiTarget,
			Currency1:   apiReward,
			Fee:         3000,
			TickSpacing: 60,
		},
		AmountIn:     "1000",
		MinAmountOut: "900",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func TestSubmitAndQueryBuyBacks(t *testing.T) {
	server, _ := testServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/buybacks", bytes.NewReader(submitPayload(t))))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var created job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != job.StatusPending {
		t.Fatalf("unexpected created job: %+v", created)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/buybacks?id="+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var fetched job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if fetched.ID != created.ID {
		t.Fatalf("expected job %s, got %s", created.ID, fetched.ID)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/buybacks?status=pending&limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", rec.Code)
	}
	var listed []job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one pending job, got %d", len(listed))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/buybacks/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for stats, got %d", rec.Code)
	}
	var stats job.JobStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSubmitBuyBackValidation(t *testing.T) {
	server, _ := testServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/buybacks", bytes.NewReader([]byte(`{"amount_in":"abc"}`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Code != string(job.CodeJobValidation) {
		t.Fatalf("unexpected error code: %s", resp.Code)
	}
}

func TestQueryUnknownBuyBack(t *testing.T) {
	server, _ := testServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/buybacks?id=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClaimsEndpoint(t *testing.T) {
	server, _ := testServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/claims", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp claimResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Claimed != "500" {
		t.Fatalf("unexpected claimed amount: %s", resp.Claimed)
	}
}

func TestWithdrawalsEndpoint(t *testing.T) {
	server, _ := testServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/withdrawals", bytes.NewReader([]byte(`{}`))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp withdrawResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Amount != "2000" {
		t.Fatalf("unexpected amount: %s", resp.Amount)
	}
	if resp.To != apiOwner.Hex() {
		t.Fatalf("withdrawal must default to owner, got %s", resp.To)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/withdrawals", bytes.NewReader([]byte(`{"to":"bogus"}`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad recipient, got %d", rec.Code)
	}
}

func TestOwnerEndpoint(t *testing.T) {
	server, _ := testServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/owner", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp ownerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Owner != apiOwner.Hex() {
		t.Fatalf("unexpected owner: %s", resp.Owner)
	}
}

func TestAuthGuardsEndpoints(t *testing.T) {
	authSvc, err := auth.NewService(config.AuthConfig{
		Enabled: true,
		Tokens: []config.TokenConfig{
			{
				Token:       "owner-token",
				Subject:     "owner",
				Address:     apiOwner.Hex(),
				Permissions: []string{auth.PermissionRead, auth.PermissionSubmit, auth.PermissionClaim, auth.PermissionWithdraw},
			},
			{
				Token:       "viewer-token",
				Subject:     "viewer",
				Address:     "0x7777777777777777777777777777777777777777",
				Permissions: []string{auth.PermissionRead, auth.PermissionClaim},
			},
		},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	server, _ := testServer(t, authSvc)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/buybacks", bytes.NewReader(submitPayload(t))))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/buybacks", bytes.NewReader(submitPayload(t)))
	req.Header.Set("Authorization", "Bearer viewer-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer submit, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/buybacks", bytes.NewReader(submitPayload(t)))
	req.Header.Set("Authorization", "Bearer owner-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for owner submit, got %d: %s", rec.Code, rec.Body)
	}

	// 非所有者主体即便持有权限，代理的所有者校验也会拒绝结算。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/claims", nil)
	req.Header.Set("Authorization", "Bearer viewer-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer claim, got %d", rec.Code)
	}
}
