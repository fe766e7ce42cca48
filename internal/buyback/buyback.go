package buyback

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "BuyBack-Agent/internal/errors"
	"BuyBack-Agent/internal/storage/mysql"
	"BuyBack-Agent/pkg/logger"
)

// 买回专用错误码。在 init 中注册默认属性，供处理器与 API 层统一判定。
const (
	CodeInvalidPair         xerrors.Code = "BUYBACK_INVALID_PAIR"
	CodeInsufficientBalance xerrors.Code = "BUYBACK_INSUFFICIENT_BALANCE"
	CodeInsufficientOutput  xerrors.Code = "BUYBACK_INSUFFICIENT_OUTPUT"
)

func init() {
	xerrors.Register(CodeInvalidPair, xerrors.Attributes{
		Message:   "pool key does not match the configured token pair",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "reward token balance below requested input",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientOutput, xerrors.Attributes{
		Message:   "swap output below minimum",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// 权限相关的哨兵错误，便于调用方用 errors.Is 判定。
var (
	ErrNotOwner      = xerrors.New(xerrors.CodeUnauthorized, "调用方不是所有者")
	ErrNotGovernance = xerrors.New(xerrors.CodeUnauthorized, "调用方不是治理合约")
)

// Config 描述买回代理绑定的链上地址。所有字段在构造时校验非零。
type Config struct {
	// Owner 是唯一有权发起买回、提取与转移所有权的地址。
	Owner common.Address
	// Self 是代理自身持仓的地址，奖励结算与兑换产出都落在这里。
	Self common.Address
	// Governance 是奖励结算来源的治理合约地址。
	Governance common.Address
	// Router 是执行兑换的路由合约地址。
	Router common.Address
	// RewardToken 是买回的输入代币（治理奖励）。
	RewardToken common.Address
	// TargetToken 是买回的目标代币。
	TargetToken common.Address
}

// Request 描述一次买回请求。
type Request struct {
	Pool         PoolKey  `json:"pool"`
	AmountIn     *big.Int `json:"amount_in"`
	MinAmountOut *big.Int `json:"min_amount_out"`
	// ClaimFirst 为 true 时先尽力结算治理奖励再兑换。结算失败不会中止买回。
	ClaimFirst bool `json:"claim_first"`
}

// Receipt 汇总一次买回的执行结果。
type Receipt struct {
	Pool      PoolKey     `json:"pool"`
	AmountIn  *big.Int    `json:"amount_in"`
	AmountOut *big.Int    `json:"amount_out"`
	Claimed   *big.Int    `json:"claimed"`
	TxHash    common.Hash `json:"tx_hash"`
	CreatedAt int64       `json:"created_at"`
}

// Agent 协调治理结算、授权与兑换，是系统的业务核心。
// 所有改变持仓或配置的操作都由内部互斥锁串行化。
type Agent struct {
	mu sync.Mutex

	cfg          Config
	governance   Governance
	approvals    ApprovalRelay
	router       SwapRouter
	rewardLedger TokenLedger
	targetLedger TokenLedger

	history        mysql.SwapRepository
	deadlineWindow time.Duration
	now            func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// defaultDeadlineWindow 是授权与兑换截止时间距当前时刻的默认窗口。
const defaultDeadlineWindow = 20 * time.Minute

// WithDeadlineWindow 设置授权与兑换的截止时间窗口。
func WithDeadlineWindow(window time.Duration) Option {
	return func(a *Agent) {
		if window > 0 {
			a.deadlineWindow = window
		}
	}
}

// WithHistory 配置买回历史仓库，成功的买回会落库。
func WithHistory(repo mysql.SwapRepository) Option {
	return func(a *Agent) {
		a.history = repo
	}
}

// WithClock 覆盖时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个买回代理。
func New(cfg Config, governance Governance, approvals ApprovalRelay, router SwapRouter, rewardLedger, targetLedger TokenLedger, opts ...Option) (*Agent, error) {
	// 校验链上地址配置。
	if cfg.Owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "所有者地址不能为空")
	}
	if cfg.Self == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理地址不能为空")
	}
	if cfg.Governance == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "治理合约地址不能为空")
	}
	if cfg.RewardToken == (common.Address{}) || cfg.TargetToken == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代币地址不能为空")
	}
	if cfg.RewardToken == cfg.TargetToken {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "奖励代币与目标代币不能相同")
	}

	// 校验协作方客户端。
	if governance == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置治理客户端")
	}
	if approvals == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置授权中继客户端")
	}
	if router == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置兑换路由客户端")
	}
	if rewardLedger == nil || targetLedger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置代币账本客户端")
	}

	ag := &Agent{
		cfg:            cfg,
		governance:     governance,
		approvals:      approvals,
		router:         router,
		rewardLedger:   rewardLedger,
		targetLedger:   targetLedger,
		deadlineWindow: defaultDeadlineWindow,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag, nil
}

// Owner 返回当前所有者地址。
func (a *Agent) Owner() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Owner
}

// requireOwner 校验调用方是否为所有者。调用前必须持有 a.mu。
func (a *Agent) requireOwner(caller common.Address) error {
	if caller != a.cfg.Owner {
		return ErrNotOwner
	}
	return nil
}

// ClaimRewards 结算治理合约欠付给代理的奖励代币，返回实际到账数量。
func (a *Agent) ClaimRewards(ctx context.Context, caller common.Address) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireOwner(caller); err != nil {
		return nil, err
	}

	claimed, err := a.governance.ClaimForInitiative(ctx, a.cfg.Self)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "结算治理奖励失败")
	}
	if claimed == nil {
		claimed = new(big.Int)
	}
	return claimed, nil
}

// BuyBack 执行一次买回：可选地先结算治理奖励，然后授权路由花费奖励代币，
// 在指定资金池中以精确输入兑换目标代币。兑换前后的余额差即为实际产出，
// 低于最小产出则视为失败。
func (a *Agent) BuyBack(ctx context.Context, caller common.Address, req Request) (*Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireOwner(caller); err != nil {
		return nil, err
	}
	if err := a.validateRequest(req); err != nil {
		return nil, err
	}

	// 先尽力结算治理奖励（如请求）。结算失败只记录，不中止买回。
	claimed := new(big.Int)
	if req.ClaimFirst {
		amount, err := a.governance.ClaimForInitiative(ctx, a.cfg.Self)
		if err != nil {
			logger.L().Warn("结算治理奖励失败，继续执行买回",
				"initiative", a.cfg.Self.Hex(),
				"error", err)
		} else if amount != nil {
			claimed = amount
		}
	}

	// 校验奖励代币余额足以覆盖本次输入。
	balance, err := a.rewardLedger.BalanceOf(ctx, a.cfg.Self)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询奖励代币余额失败")
	}
	if balance.Cmp(req.AmountIn) < 0 {
		return nil, xerrors.New(CodeInsufficientBalance, "",
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("amount_in", req.AmountIn.String()))
	}

	deadline := a.now().Add(a.deadlineWindow)

	// 授权路由在截止时间前花费本次输入的奖励代币。
	if err := a.approvals.Approve(ctx, a.cfg.RewardToken, a.cfg.Router, req.AmountIn, deadline); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "授权兑换路由失败")
	}

	// 记录兑换前的目标代币余额，兑换后用余额差核对实际产出。
	before, err := a.targetLedger.BalanceOf(ctx, a.cfg.Self)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询目标代币余额失败")
	}

	// zeroForOne 为 false：花费 currency1（奖励代币）换取 currency0（目标代币）。
	txHash, err := a.router.SwapExactInSingle(ctx, req.Pool, false, req.AmountIn, req.MinAmountOut, deadline)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "执行兑换失败")
	}

	after, err := a.targetLedger.BalanceOf(ctx, a.cfg.Self)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询兑换后余额失败")
	}

	amountOut := new(big.Int).Sub(after, before)
	if amountOut.Cmp(req.MinAmountOut) < 0 {
		return nil, xerrors.New(CodeInsufficientOutput, "",
			xerrors.WithMetadata("amount_out", amountOut.String()),
			xerrors.WithMetadata("min_amount_out", req.MinAmountOut.String()),
			xerrors.WithMetadata("tx_hash", txHash.Hex()))
	}

	now := a.now().Unix()
	receipt := &Receipt{
		Pool:      req.Pool,
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: amountOut,
		Claimed:   claimed,
		TxHash:    txHash,
		CreatedAt: now,
	}

	// 落库买回历史（如已配置仓库）。
	if a.history != nil {
		record := mysql.SwapRecord{
			PoolID:    req.Pool.ID().Hex(),
			Currency0: req.Pool.Currency0.Hex(),
			Currency1: req.Pool.Currency1.Hex(),
			AmountIn:  receipt.AmountIn.String(),
			AmountOut: receipt.AmountOut.String(),
			Claimed:   receipt.Claimed.String(),
			TxHash:    txHash.Hex(),
			CreatedAt: now,
		}
		if err := a.history.Save(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存买回记录失败")
		}
	}

	// 写入交易台账。
	logger.Trade().Info("buyback executed",
		"pool_id", req.Pool.ID().Hex(),
		"amount_in", receipt.AmountIn.String(),
		"amount_out", receipt.AmountOut.String(),
		"claimed", receipt.Claimed.String(),
		"tx_hash", txHash.Hex())

	return receipt, nil
}

// WithdrawTarget 把代理持有的全部目标代币划转给 to。余额为零时直接返回零，
// 不发起链上交易。
func (a *Agent) WithdrawTarget(ctx context.Context, caller, to common.Address) (*big.Int, common.Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireOwner(caller); err != nil {
		return nil, common.Hash{}, err
	}
	if to == (common.Address{}) {
		return nil, common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "提取地址不能为空")
	}

	balance, err := a.targetLedger.BalanceOf(ctx, a.cfg.Self)
	if err != nil {
		return nil, common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询目标代币余额失败")
	}
	if balance.Sign() == 0 {
		return new(big.Int), common.Hash{}, nil
	}

	txHash, err := a.targetLedger.Transfer(ctx, to, balance)
	if err != nil {
		return nil, common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "划转目标代币失败")
	}

	logger.Trade().Info("target token withdrawn",
		"to", to.Hex(),
		"amount", balance.String(),
		"tx_hash", txHash.Hex())

	return balance, txHash, nil
}

// TransferOwnership 把所有权转移给新地址。
func (a *Agent) TransferOwnership(caller, newOwner common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireOwner(caller); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "新所有者地址不能为空")
	}

	previous := a.cfg.Owner
	a.cfg.Owner = newOwner
	logger.L().Info("所有权已转移",
		"previous_owner", previous.Hex(),
		"new_owner", newOwner.Hex())
	return nil
}

// OnRegisterInitiative 是治理合约注册回调，代理无须任何状态。
func (a *Agent) OnRegisterInitiative(uint16) {}

// OnUnregisterInitiative 是治理合约注销回调，代理无须任何状态。
func (a *Agent) OnUnregisterInitiative(uint16) {}

// OnAfterAllocateLQTY 是治理合约票仓变动回调，代理不跟踪投票状态。
func (a *Agent) OnAfterAllocateLQTY(uint16, common.Address, Allocation, Allocation) {}

// OnClaimForInitiative 是治理合约结算回调，仅接受治理合约本身的调用。
func (a *Agent) OnClaimForInitiative(caller common.Address, claimed *big.Int) error {
	if caller != a.cfg.Governance {
		return ErrNotGovernance
	}
	if claimed != nil && claimed.Sign() > 0 {
		logger.Trade().Info("rewards claimed",
			"initiative", a.cfg.Self.Hex(),
			"claimed", claimed.String())
	}
	return nil
}

// Allocation 描述治理回调中传入的票仓分配快照。
type Allocation struct {
	Voted   *big.Int
	Vetoed  *big.Int
	AtEpoch uint16
}

// validateRequest 校验买回请求。资金池逐槽核对：currency0 必须是目标代币，
// currency1 必须是奖励代币。
func (a *Agent) validateRequest(req Request) error {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "买回数量必须为正数")
	}
	if req.MinAmountOut == nil || req.MinAmountOut.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "最小产出不能为空或负数")
	}
	if !req.Pool.HasCurrencies() {
		return xerrors.New(xerrors.CodeInvalidArgument, "资金池必须携带两个代币地址")
	}
	if req.Pool.Currency0 != a.cfg.TargetToken {
		return xerrors.New(CodeInvalidPair,
			fmt.Sprintf("资金池 currency0 应为目标代币 %s，实际为 %s", a.cfg.TargetToken.Hex(), req.Pool.Currency0.Hex()),
			xerrors.WithMetadata("slot", "currency0"))
	}
	if req.Pool.Currency1 != a.cfg.RewardToken {
		return xerrors.New(CodeInvalidPair,
			fmt.Sprintf("资金池 currency1 应为奖励代币 %s，实际为 %s", a.cfg.RewardToken.Hex(), req.Pool.Currency1.Hex()),
			xerrors.WithMetadata("slot", "currency1"))
	}
	return nil
}
