package rebalance

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/pricing"
	"lp-rebalancer/internal/router"
	"lp-rebalancer/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const bpsDenominator = 10_000

type Config struct {
	Wallet        common.Address
	SwapRouter    common.Address
	ChainID       int64
	Decimals0     int
	Decimals1     int
	Places        int32
	Confirmations uint64
	GasLimit      uint64
	Deadline      time.Duration
	// SlippageBps lowers the principal minimums of a withdrawal.
	SlippageBps int

	RouteMaxIterations     int
	RouteRatioToleranceBps int
	RouteSlippageBps       int
}

// Cycle identifies one rebalance attempt. Transaction labels derive from it.
type Cycle struct {
	ID          string
	MintAttempt int
}

func (c Cycle) withdrawLabel() string {
	return c.ID + ":withdraw"
}

func (c Cycle) mintLabel() string {
	return c.ID + ":mint:" + strconv.Itoa(c.MintAttempt)
}

type LiquidationResult struct {
	PositionID *big.Int
	// Skipped is set when the position held nothing and no transaction was sent.
	Skipped         bool
	TxHash          common.Hash
	Receipt         ledger.Receipt
	ExpectedAmount0 *uint256.Int
	ExpectedAmount1 *uint256.Int
}

type MintResult struct {
	Ticks   strategy.TickRange
	Price   decimal.Decimal
	Amount0 *big.Int
	Amount1 *big.Int
	TxHash  common.Hash
	Receipt ledger.Receipt
}

// CycleResult is what Run reports for a completed cycle. Liquidation is nil
// when the cycle resumed at the mint step.
type CycleResult struct {
	Liquidation *LiquidationResult
	Mint        MintResult
}

// Manager runs the liquidate, recompute, swap-and-mint sequence for one pool.
type Manager struct {
	cfg       Config
	conv      pricing.Converter
	pool      LedgerReader
	positions PositionRegistry
	router    Router
	tx        TxSubmitter
	approver  Approver
	machine   *strategy.StateMachine
	log       *zap.Logger
	now       func() time.Time
}

func NewManager(cfg Config, pool LedgerReader, positions PositionRegistry, rt Router, tx TxSubmitter, approver Approver, machine *strategy.StateMachine, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if machine == nil {
		machine = strategy.NewStateMachine()
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 2
	}
	return &Manager{
		cfg:       cfg,
		conv:      pricing.NewConverter(cfg.Decimals0, cfg.Decimals1, cfg.Places),
		pool:      pool,
		positions: positions,
		router:    rt,
		tx:        tx,
		approver:  approver,
		machine:   machine,
		log:       log,
		now:       time.Now,
	}
}

// SetClock replaces the wall clock used for transaction deadlines.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *Manager) Machine() *strategy.StateMachine {
	return m.machine
}

// Run drives one cycle from the machine's current state. From Idle it
// liquidates positionID first; from Liquidated (or Failed after a mint
// failure) it goes straight to the mint. It leaves the machine in Minted on
// success; the caller confirms with Done once it has reconciled.
func (m *Manager) Run(ctx context.Context, cycle Cycle, positionID *big.Int, intent strategy.RebalanceIntent) (CycleResult, error) {
	var out CycleResult
	if m.machine.Current() == strategy.StateFailed {
		m.machine.Apply(strategy.EventRecover)
	}

	switch m.machine.Current() {
	case strategy.StateIdle:
		res, err := m.liquidateStep(ctx, cycle, positionID)
		if err != nil {
			return out, err
		}
		out.Liquidation = &res
	case strategy.StateLiquidated:
	default:
		return out, fmt.Errorf("cannot run cycle from state %s", m.machine.Current())
	}

	snap, err := m.pool.Snapshot(ctx)
	if err != nil {
		return out, fmt.Errorf("%w: pool snapshot: %v", ErrStateReadFailed, err)
	}
	ticks, err := m.ComputeNewBounds(snap.Tick, snap.TickSpacing, intent)
	if err != nil {
		return out, err
	}

	m.machine.Apply(strategy.EventMint)
	mint, err := m.SwapAndMint(ctx, cycle, snap, ticks, intent)
	if err != nil {
		m.machine.Apply(strategy.EventFail)
		return out, err
	}
	m.machine.Apply(strategy.EventMinted)
	out.Mint = mint
	return out, nil
}

// Done closes a minted cycle.
func (m *Manager) Done() {
	m.machine.Apply(strategy.EventDone)
}

func (m *Manager) liquidateStep(ctx context.Context, cycle Cycle, positionID *big.Int) (LiquidationResult, error) {
	m.machine.Apply(strategy.EventFetch)
	pos, err := m.fetchPosition(ctx, positionID)
	if err != nil {
		m.machine.Apply(strategy.EventFail)
		return LiquidationResult{}, err
	}
	m.machine.Apply(strategy.EventLiquidate)
	res, err := m.withdraw(ctx, cycle, pos)
	if err != nil {
		m.machine.Apply(strategy.EventFail)
		return LiquidationResult{}, err
	}
	m.machine.Apply(strategy.EventLiquidated)
	return res, nil
}

// Liquidate re-reads the position and withdraws all of it.
func (m *Manager) Liquidate(ctx context.Context, cycle Cycle, positionID *big.Int) (LiquidationResult, error) {
	pos, err := m.fetchPosition(ctx, positionID)
	if err != nil {
		return LiquidationResult{}, err
	}
	return m.withdraw(ctx, cycle, pos)
}

func (m *Manager) fetchPosition(ctx context.Context, positionID *big.Int) (ledger.Position, error) {
	if positionID == nil {
		return ledger.Position{}, fmt.Errorf("%w: no active position", ErrLiquidationFailed)
	}
	pos, err := m.positions.GetPosition(ctx, positionID)
	if err != nil {
		return ledger.Position{}, fmt.Errorf("%w: position %s: %v", ErrStateReadFailed, positionID, err)
	}
	return pos, nil
}

func (m *Manager) withdraw(ctx context.Context, cycle Cycle, pos ledger.Position) (LiquidationResult, error) {
	res := LiquidationResult{PositionID: pos.ID}
	if pos.Empty() {
		res.Skipped = true
		res.ExpectedAmount0, res.ExpectedAmount1 = new(uint256.Int), new(uint256.Int)
		m.log.Info("position already empty", zap.String("position_id", pos.ID.String()))
		return res, nil
	}

	min0, min1 := new(uint256.Int), new(uint256.Int)
	if pos.Liquidity != nil && !pos.Liquidity.IsZero() {
		snap, err := m.pool.Snapshot(ctx)
		if err != nil {
			return res, fmt.Errorf("%w: pool snapshot: %v", ErrStateReadFailed, err)
		}
		if snap.SqrtPriceX96 == nil {
			return res, fmt.Errorf("%w: pool snapshot has no price", ErrStateReadFailed)
		}
		a0, a1 := pricing.AmountsForLiquidity(pos.Liquidity.ToBig(), snap.SqrtPriceX96.ToBig(), pos.TickLower, pos.TickUpper)
		min0 = applySlippage(a0, m.cfg.SlippageBps)
		min1 = applySlippage(a1, m.cfg.SlippageBps)
	}

	req := ledger.WithdrawRequest{
		TokenID:       pos.ID,
		Liquidity:     pos.Liquidity,
		Amount0Min:    min0,
		Amount1Min:    min1,
		ExpectedOwed0: pos.OwedToken0,
		ExpectedOwed1: pos.OwedToken1,
		Recipient:     m.cfg.Wallet,
		Deadline:      m.now().Add(m.cfg.Deadline),
	}
	res.ExpectedAmount0, res.ExpectedAmount1 = req.ExpectedPayout()
	call, err := m.positions.WithdrawCall(req)
	if err != nil {
		return res, fmt.Errorf("%w: build withdrawal: %v", ErrLiquidationFailed, err)
	}
	call.GasLimit = m.cfg.GasLimit
	call.Label = cycle.withdrawLabel()

	m.log.Info("liquidating position",
		zap.String("cycle_id", cycle.ID),
		zap.String("position_id", pos.ID.String()),
		zap.String("liquidity", u256String(pos.Liquidity)),
		zap.String("expected0", res.ExpectedAmount0.Dec()),
		zap.String("expected1", res.ExpectedAmount1.Dec()),
	)
	receipt, hash, err := m.submitAndWait(ctx, call)
	res.TxHash = hash
	res.Receipt = receipt
	if err != nil {
		return res, stepError(ErrLiquidationFailed, err)
	}
	return res, nil
}

// ComputeNewBounds derives the new tick range around currentTick. Dollar
// margins are converted independently and both ends snapped to the spacing
// grid; with FixedWidthSpacings the band is that many spacings each side.
func (m *Manager) ComputeNewBounds(currentTick, tickSpacing int, intent strategy.RebalanceIntent) (strategy.TickRange, error) {
	if tickSpacing <= 0 {
		return strategy.TickRange{}, fmt.Errorf("%w: tick spacing %d", ErrInvalidRange, tickSpacing)
	}
	var out strategy.TickRange
	if intent.FixedWidthSpacings > 0 {
		center := pricing.NearestUsableTick(currentTick, tickSpacing)
		width := intent.FixedWidthSpacings * tickSpacing
		out = strategy.TickRange{
			Lower: pricing.NearestUsableTick(center-width, tickSpacing),
			Upper: pricing.NearestUsableTick(center+width, tickSpacing),
		}
	} else {
		lowerMargin, err := m.conv.TickMargin(currentTick, intent.LowerMarginUSD)
		if err != nil {
			return strategy.TickRange{}, fmt.Errorf("%w: lower margin: %v", ErrInvalidRange, err)
		}
		upperMargin, err := m.conv.TickMargin(currentTick, intent.UpperMarginUSD)
		if err != nil {
			return strategy.TickRange{}, fmt.Errorf("%w: upper margin: %v", ErrInvalidRange, err)
		}
		out = strategy.TickRange{
			Lower: pricing.NearestUsableTick(currentTick-lowerMargin, tickSpacing),
			Upper: pricing.NearestUsableTick(currentTick+upperMargin, tickSpacing),
		}
	}
	if out.Lower >= out.Upper {
		return strategy.TickRange{}, fmt.Errorf("%w: %d..%d at tick %d", ErrInvalidRange, out.Lower, out.Upper, currentTick)
	}
	return out, nil
}

// SwapAndMint sizes the new position, asks the router for a swap-and-add
// transaction and submits it. Nothing is sent unless the route succeeds.
func (m *Manager) SwapAndMint(ctx context.Context, cycle Cycle, snap ledger.PoolSnapshot, ticks strategy.TickRange, intent strategy.RebalanceIntent) (MintResult, error) {
	price := m.conv.PriceFromTick(snap.Tick)
	amount0, amount1, err := pricing.TokenAmountsForUSD(intent.DollarAmount, price, m.cfg.Decimals0, m.cfg.Decimals1)
	if err != nil {
		return MintResult{}, fmt.Errorf("%w: size position: %v", ErrMintFailed, err)
	}
	res := MintResult{Ticks: ticks, Price: price, Amount0: amount0, Amount1: amount1}

	req := router.RatioRequest{
		ChainID: m.cfg.ChainID,
		Pool: router.PoolView{
			Address:      snap.Address,
			Token0:       snap.Token0,
			Token1:       snap.Token1,
			Decimals0:    m.cfg.Decimals0,
			Decimals1:    m.cfg.Decimals1,
			Fee:          snap.FeeTier,
			SqrtPriceX96: u256String(snap.SqrtPriceX96),
			Liquidity:    u256String(snap.Liquidity),
			Tick:         snap.Tick,
		},
		TickLower:              ticks.Lower,
		TickUpper:              ticks.Upper,
		Amount0:                amount0.String(),
		Amount1:                amount1.String(),
		MaxIterations:          m.cfg.RouteMaxIterations,
		RatioErrorToleranceBps: m.cfg.RouteRatioToleranceBps,
		SlippageBps:            m.cfg.RouteSlippageBps,
		Deadline:               m.now().Add(m.cfg.Deadline).Unix(),
		Recipient:              m.cfg.Wallet,
	}
	m.log.Info("routing to ratio",
		zap.String("cycle_id", cycle.ID),
		zap.Stringer("price", price),
		zap.Int("tick", snap.Tick),
		zap.Int("tick_lower", ticks.Lower),
		zap.Int("tick_upper", ticks.Upper),
		zap.String("amount0", amount0.String()),
		zap.String("amount1", amount1.String()),
	)
	route, err := m.router.RouteToRatio(ctx, req)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrRouteToRatioFailed, err)
	}
	if route.Status != router.StatusSuccess || route.Result == nil {
		return res, fmt.Errorf("%w: status %s", ErrRouteToRatioFailed, route.Status)
	}

	if m.approver != nil {
		if err := m.approver.EnsureAllowance(ctx, snap.Token0, m.cfg.SwapRouter, amount0); err != nil {
			return res, fmt.Errorf("%w: approve token0: %v", ErrMintFailed, err)
		}
		if err := m.approver.EnsureAllowance(ctx, snap.Token1, m.cfg.SwapRouter, amount1); err != nil {
			return res, fmt.Errorf("%w: approve token1: %v", ErrMintFailed, err)
		}
	}

	call := ledger.TxRequest{
		To:       m.cfg.SwapRouter,
		Data:     route.Result.Calldata,
		Value:    route.Result.Value,
		GasPrice: route.Result.GasPriceWei,
		GasLimit: m.cfg.GasLimit,
		Label:    cycle.mintLabel(),
	}
	receipt, hash, err := m.submitAndWait(ctx, call)
	res.TxHash = hash
	res.Receipt = receipt
	if err != nil {
		return res, stepError(ErrMintFailed, err)
	}
	return res, nil
}

func (m *Manager) submitAndWait(ctx context.Context, call ledger.TxRequest) (ledger.Receipt, common.Hash, error) {
	pending, err := m.tx.Submit(ctx, call)
	if err != nil {
		return ledger.Receipt{}, common.Hash{}, fmt.Errorf("submit %s: %w", call.Label, err)
	}
	receipt, err := m.tx.WaitForConfirmations(ctx, pending, m.cfg.Confirmations)
	if err != nil {
		return receipt, pending.Hash, fmt.Errorf("confirm %s: %w", call.Label, err)
	}
	m.log.Info("transaction confirmed",
		zap.String("label", call.Label),
		zap.String("tx", pending.Hash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
	)
	return receipt, pending.Hash, nil
}

// stepError tags err with the step sentinel and keeps the cause visible to
// errors.Is.
func stepError(step, err error) error {
	return fmt.Errorf("%w: %w", step, err)
}

func applySlippage(amount *big.Int, bps int) *uint256.Int {
	if amount == nil || amount.Sign() <= 0 {
		return new(uint256.Int)
	}
	if bps < 0 {
		bps = 0
	}
	if bps > bpsDenominator {
		bps = bpsDenominator
	}
	scaled := new(big.Int).Mul(amount, big.NewInt(int64(bpsDenominator-bps)))
	scaled.Quo(scaled, big.NewInt(bpsDenominator))
	out, overflow := uint256.FromBig(scaled)
	if overflow {
		return new(uint256.Int)
	}
	return out
}

func u256String(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
