package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/pricing"
	"lp-rebalancer/internal/router"
	"lp-rebalancer/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testWallet     = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
	testSwapRouter = common.HexToAddress("0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45")
	testNFPM       = common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")
	testPool       = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	testUSDC       = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	testWETH       = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type recorder struct {
	calls []string
}

func (r *recorder) add(call string) {
	r.calls = append(r.calls, call)
}

type fakePool struct {
	snap ledger.PoolSnapshot
	err  error
}

func (p *fakePool) Snapshot(ctx context.Context) (ledger.PoolSnapshot, error) {
	if p.err != nil {
		return ledger.PoolSnapshot{}, p.err
	}
	return p.snap, nil
}

type fakeRegistry struct {
	pos      ledger.Position
	err      error
	withdraw []ledger.WithdrawRequest
}

func (r *fakeRegistry) ListPositions(ctx context.Context, owner common.Address, key ledger.PoolKey) ([]*big.Int, error) {
	return nil, nil
}

func (r *fakeRegistry) GetPosition(ctx context.Context, id *big.Int) (ledger.Position, error) {
	if r.err != nil {
		return ledger.Position{}, r.err
	}
	return r.pos, nil
}

func (r *fakeRegistry) WithdrawCall(req ledger.WithdrawRequest) (ledger.TxRequest, error) {
	r.withdraw = append(r.withdraw, req)
	return ledger.TxRequest{To: testNFPM, Data: []byte{0xac, 0x96, 0x50, 0xd8}}, nil
}

type fakeRouter struct {
	rec  *recorder
	resp router.RatioResponse
	err  error
	reqs []router.RatioRequest
}

func (r *fakeRouter) RouteToRatio(ctx context.Context, req router.RatioRequest) (router.RatioResponse, error) {
	r.rec.add("routeToRatio")
	r.reqs = append(r.reqs, req)
	return r.resp, r.err
}

type fakeTx struct {
	rec       *recorder
	submitted []ledger.TxRequest
	waitErr   map[string]error
	status    map[string]uint64
}

func (f *fakeTx) Submit(ctx context.Context, req ledger.TxRequest) (ledger.PendingTx, error) {
	f.rec.add("submit:" + req.Label)
	f.submitted = append(f.submitted, req)
	return ledger.PendingTx{Hash: crypto.Keccak256Hash([]byte(req.Label)), Label: req.Label}, nil
}

func (f *fakeTx) WaitForConfirmations(ctx context.Context, tx ledger.PendingTx, n uint64) (ledger.Receipt, error) {
	if err := f.waitErr[tx.Label]; err != nil {
		return ledger.Receipt{Hash: tx.Hash}, err
	}
	status := uint64(1)
	if s, ok := f.status[tx.Label]; ok {
		status = s
	}
	if status == 0 {
		return ledger.Receipt{Hash: tx.Hash}, fmt.Errorf("%w: %s", ledger.ErrTxReverted, tx.Hash.Hex())
	}
	return ledger.Receipt{Hash: tx.Hash, Status: status, BlockNumber: 100, Confirmations: n}, nil
}

type fakeApprover struct {
	rec    *recorder
	tokens []common.Address
}

func (a *fakeApprover) EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	a.rec.add("approve:" + token.Hex())
	a.tokens = append(a.tokens, token)
	return nil
}

type harness struct {
	rec      *recorder
	pool     *fakePool
	registry *fakeRegistry
	router   *fakeRouter
	tx       *fakeTx
	approver *fakeApprover
	manager  *Manager
}

func testSnapshot(tick int) ledger.PoolSnapshot {
	return ledger.PoolSnapshot{
		Address:      testPool,
		Token0:       testUSDC,
		Token1:       testWETH,
		Tick:         tick,
		SqrtPriceX96: mustU256("1744244129640337381386292603617837"),
		Liquidity:    uint256.NewInt(5_000_000_000_000_000),
		FeeTier:      500,
		TickSpacing:  10,
	}
}

func mustU256(s string) *uint256.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad integer " + s)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		panic("overflow " + s)
	}
	return out
}

func successRoute() router.RatioResponse {
	return router.RatioResponse{
		Status: router.StatusSuccess,
		Result: &router.RatioResult{
			Calldata:    []byte{0x5a, 0xe4, 0x01, 0xdc},
			Value:       big.NewInt(0),
			GasPriceWei: big.NewInt(30_000_000_000),
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:  rec,
		pool: &fakePool{snap: testSnapshot(200000)},
		registry: &fakeRegistry{pos: ledger.Position{
			ID:         big.NewInt(4242),
			Token0:     testUSDC,
			Token1:     testWETH,
			Fee:        500,
			TickLower:  199500,
			TickUpper:  200500,
			Liquidity:  uint256.NewInt(1_000_000_000_000),
			OwedToken0: uint256.NewInt(12),
			OwedToken1: uint256.NewInt(34),
		}},
		router:   &fakeRouter{rec: rec, resp: successRoute()},
		tx:       &fakeTx{rec: rec, waitErr: map[string]error{}, status: map[string]uint64{}},
		approver: &fakeApprover{rec: rec},
	}
	cfg := Config{
		Wallet:                 testWallet,
		SwapRouter:             testSwapRouter,
		ChainID:                1,
		Decimals0:              6,
		Decimals1:              18,
		Places:                 2,
		Confirmations:          2,
		GasLimit:               5_000_000,
		Deadline:               30 * time.Minute,
		SlippageBps:            50,
		RouteMaxIterations:     6,
		RouteRatioToleranceBps: 100,
		RouteSlippageBps:       500,
	}
	h.manager = NewManager(cfg, h.pool, h.registry, h.router, h.tx, h.approver, strategy.NewStateMachine(), nil)
	h.manager.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return h
}

func testIntent() strategy.RebalanceIntent {
	return strategy.RebalanceIntent{
		DollarAmount:   decimal.NewFromInt(1000),
		LowerMarginUSD: decimal.NewFromInt(100),
		UpperMarginUSD: decimal.NewFromInt(50),
	}
}

func TestRunLiquidatesThenRoutesThenMints(t *testing.T) {
	h := newHarness(t)

	res, err := h.manager.Run(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242), testIntent())
	require.NoError(t, err)

	approve0 := "approve:" + testUSDC.Hex()
	approve1 := "approve:" + testWETH.Hex()
	assert.Equal(t, []string{"submit:c1:withdraw", "routeToRatio", approve0, approve1, "submit:c1:mint:0"}, h.rec.calls)
	assert.Equal(t, strategy.StateMinted, h.manager.Machine().Current())
	require.NotNil(t, res.Liquidation)
	assert.False(t, res.Liquidation.Skipped)
	assert.Equal(t, strategy.TickRange{Lower: 199520, Upper: 200240}, res.Mint.Ticks)
	assert.Equal(t, crypto.Keccak256Hash([]byte("c1:mint:0")), res.Mint.TxHash)

	h.manager.Done()
	assert.Equal(t, strategy.StateIdle, h.manager.Machine().Current())
}

func TestRunRouteFailureSubmitsNoMint(t *testing.T) {
	h := newHarness(t)
	h.router.resp = router.RatioResponse{Status: router.StatusNoRoute}

	_, err := h.manager.Run(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242), testIntent())
	require.ErrorIs(t, err, ErrRouteToRatioFailed)

	assert.Equal(t, []string{"submit:c1:withdraw", "routeToRatio"}, h.rec.calls)
	assert.Equal(t, strategy.StateFailed, h.manager.Machine().Current())
	assert.Equal(t, strategy.StateLiquidated, h.manager.Machine().Resume())
}

func TestRunRetriesMintWithoutLiquidating(t *testing.T) {
	h := newHarness(t)
	h.router.err = errors.New("connection refused")

	_, err := h.manager.Run(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242), testIntent())
	require.ErrorIs(t, err, ErrRouteToRatioFailed)

	h.router.err = nil
	h.rec.calls = nil
	res, err := h.manager.Run(context.Background(), Cycle{ID: "c1", MintAttempt: 1}, big.NewInt(4242), testIntent())
	require.NoError(t, err)

	assert.Nil(t, res.Liquidation)
	assert.NotContains(t, h.rec.calls, "submit:c1:withdraw")
	assert.Contains(t, h.rec.calls, "submit:c1:mint:1")
	assert.Len(t, h.registry.withdraw, 1)
}

func TestRunConfirmationTimeoutFailsLiquidation(t *testing.T) {
	h := newHarness(t)
	h.tx.waitErr["c1:withdraw"] = fmt.Errorf("%w: waited 10m0s", ledger.ErrConfirmationTimeout)

	_, err := h.manager.Run(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242), testIntent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLiquidationFailed)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)

	assert.Equal(t, []string{"submit:c1:withdraw"}, h.rec.calls)
	assert.Equal(t, strategy.StateFailed, h.manager.Machine().Current())
	assert.Equal(t, strategy.StateIdle, h.manager.Machine().Resume())
}

func TestRunMintRevertIsMintFailure(t *testing.T) {
	h := newHarness(t)
	h.tx.status["c1:mint:0"] = 0

	_, err := h.manager.Run(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242), testIntent())
	require.ErrorIs(t, err, ErrMintFailed)
	assert.ErrorIs(t, err, ledger.ErrTxReverted)
	assert.Equal(t, strategy.StateLiquidated, h.manager.Machine().Resume())
}

func TestRunPositionReadFailure(t *testing.T) {
	h := newHarness(t)
	h.registry.err = errors.New("rpc down")

	_, err := h.manager.Run(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242), testIntent())
	require.ErrorIs(t, err, ErrStateReadFailed)
	assert.Empty(t, h.rec.calls)
	assert.Equal(t, strategy.StateFailed, h.manager.Machine().Current())
	assert.Equal(t, strategy.StateIdle, h.manager.Machine().Resume())
}

func TestLiquidateSkipsEmptyPosition(t *testing.T) {
	h := newHarness(t)
	h.registry.pos.Liquidity = uint256.NewInt(0)
	h.registry.pos.OwedToken0 = nil
	h.registry.pos.OwedToken1 = uint256.NewInt(0)

	res, err := h.manager.Liquidate(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.rec.calls)
	assert.Empty(t, h.registry.withdraw)
}

func TestLiquidateSetsMinimumsBelowPrincipal(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Liquidate(context.Background(), Cycle{ID: "c1"}, big.NewInt(4242))
	require.NoError(t, err)
	require.Len(t, h.registry.withdraw, 1)

	req := h.registry.withdraw[0]
	a0, a1 := pricing.AmountsForLiquidity(h.registry.pos.Liquidity.ToBig(), h.pool.snap.SqrtPriceX96.ToBig(), 199500, 200500)
	want0 := new(big.Int).Quo(new(big.Int).Mul(a0, big.NewInt(9950)), big.NewInt(10000))
	want1 := new(big.Int).Quo(new(big.Int).Mul(a1, big.NewInt(9950)), big.NewInt(10000))
	assert.Equal(t, want0.String(), req.Amount0Min.Dec())
	assert.Equal(t, want1.String(), req.Amount1Min.Dec())
	assert.Equal(t, testWallet, req.Recipient)
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(30*time.Minute), req.Deadline)

	require.Len(t, h.tx.submitted, 1)
	assert.Equal(t, uint64(5_000_000), h.tx.submitted[0].GasLimit)
	assert.Equal(t, "c1:withdraw", h.tx.submitted[0].Label)
}

func TestComputeNewBounds(t *testing.T) {
	h := newHarness(t)

	got, err := h.manager.ComputeNewBounds(200000, 10, testIntent())
	require.NoError(t, err)
	assert.Equal(t, strategy.TickRange{Lower: 199520, Upper: 200240}, got)

	symmetric := testIntent()
	symmetric.UpperMarginUSD = decimal.NewFromInt(100)
	got, err = h.manager.ComputeNewBounds(200000, 10, symmetric)
	require.NoError(t, err)
	assert.Equal(t, strategy.TickRange{Lower: 199520, Upper: 200480}, got)

	fixed := strategy.RebalanceIntent{DollarAmount: decimal.NewFromInt(1000), FixedWidthSpacings: 2}
	got, err = h.manager.ComputeNewBounds(200003, 10, fixed)
	require.NoError(t, err)
	assert.Equal(t, strategy.TickRange{Lower: 199980, Upper: 200020}, got)
}

func TestComputeNewBoundsRejectsCollapsedRange(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.ComputeNewBounds(200000, 10, strategy.RebalanceIntent{DollarAmount: decimal.NewFromInt(1000)})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = h.manager.ComputeNewBounds(200000, 0, testIntent())
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestSwapAndMintBuildsRouteRequest(t *testing.T) {
	h := newHarness(t)
	ticks := strategy.TickRange{Lower: 199520, Upper: 200240}

	res, err := h.manager.SwapAndMint(context.Background(), Cycle{ID: "c9", MintAttempt: 2}, h.pool.snap, ticks, testIntent())
	require.NoError(t, err)

	require.Len(t, h.router.reqs, 1)
	req := h.router.reqs[0]
	assert.Equal(t, int64(1), req.ChainID)
	assert.Equal(t, testPool, req.Pool.Address)
	assert.Equal(t, 500, req.Pool.Fee)
	assert.Equal(t, 199520, req.TickLower)
	assert.Equal(t, 200240, req.TickUpper)
	assert.Equal(t, "500000000", req.Amount0)
	assert.Equal(t, res.Amount1.String(), req.Amount1)
	assert.Equal(t, 6, req.MaxIterations)
	assert.Equal(t, int64(1_700_000_000+1800), req.Deadline)
	assert.Equal(t, testWallet, req.Recipient)
	assert.True(t, decimal.RequireFromString("2063.22").Equal(res.Price))

	assert.Equal(t, []common.Address{testUSDC, testWETH}, h.approver.tokens)
	require.Len(t, h.tx.submitted, 1)
	mint := h.tx.submitted[0]
	assert.Equal(t, testSwapRouter, mint.To)
	assert.Equal(t, []byte{0x5a, 0xe4, 0x01, 0xdc}, mint.Data)
	assert.Equal(t, big.NewInt(30_000_000_000), mint.GasPrice)
	assert.Equal(t, uint64(5_000_000), mint.GasLimit)
	assert.Equal(t, "c9:mint:2", mint.Label)
}

func TestSwapAndMintNoneStatusSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.router.resp = router.RatioResponse{Status: router.StatusNone}

	_, err := h.manager.SwapAndMint(context.Background(), Cycle{ID: "c1"}, h.pool.snap, strategy.TickRange{Lower: 199520, Upper: 200240}, testIntent())
	require.ErrorIs(t, err, ErrRouteToRatioFailed)
	assert.Empty(t, h.tx.submitted)
	assert.Empty(t, h.approver.tokens)
}
