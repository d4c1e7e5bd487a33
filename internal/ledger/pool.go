package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrPoolNotFound = errors.New("pool not found")

// PoolReader reads one V3 pool. Every call goes to the node.
type PoolReader struct {
	caller     Caller
	address    common.Address
	maxRetries int
	backoff    time.Duration
}

func NewPoolReader(caller Caller, address common.Address, maxRetries int, backoff time.Duration) *PoolReader {
	return &PoolReader{caller: caller, address: address, maxRetries: maxRetries, backoff: backoff}
}

func (r *PoolReader) Address() common.Address {
	return r.address
}

func (r *PoolReader) Immutables(ctx context.Context) (Immutables, error) {
	parsed, err := V3PoolABI()
	if err != nil {
		return Immutables{}, err
	}
	var out Immutables
	factory, err := r.callOne(ctx, parsed, "factory")
	if err != nil {
		return Immutables{}, err
	}
	if out.Factory, err = asAddress(factory); err != nil {
		return Immutables{}, err
	}
	token0, err := r.callOne(ctx, parsed, "token0")
	if err != nil {
		return Immutables{}, err
	}
	if out.Token0, err = asAddress(token0); err != nil {
		return Immutables{}, err
	}
	token1, err := r.callOne(ctx, parsed, "token1")
	if err != nil {
		return Immutables{}, err
	}
	if out.Token1, err = asAddress(token1); err != nil {
		return Immutables{}, err
	}
	fee, err := r.callOne(ctx, parsed, "fee")
	if err != nil {
		return Immutables{}, err
	}
	feeBig, err := asBigInt(fee)
	if err != nil {
		return Immutables{}, err
	}
	out.Fee = int(feeBig.Int64())
	spacing, err := r.callOne(ctx, parsed, "tickSpacing")
	if err != nil {
		return Immutables{}, err
	}
	if out.TickSpacing, err = asInt24(spacing); err != nil {
		return Immutables{}, err
	}
	if out.TickSpacing <= 0 {
		return Immutables{}, fmt.Errorf("invalid tick spacing %d", out.TickSpacing)
	}
	maxLiq, err := r.callOne(ctx, parsed, "maxLiquidityPerTick")
	if err != nil {
		return Immutables{}, err
	}
	if out.MaxLiquidityPerTick, err = asUint256(maxLiq); err != nil {
		return Immutables{}, err
	}
	return out, nil
}

func (r *PoolReader) State(ctx context.Context) (PoolState, error) {
	parsed, err := V3PoolABI()
	if err != nil {
		return PoolState{}, err
	}
	liq, err := r.callOne(ctx, parsed, "liquidity")
	if err != nil {
		return PoolState{}, err
	}
	var out PoolState
	if out.Liquidity, err = asUint256(liq); err != nil {
		return PoolState{}, err
	}

	slot0, err := callMethod(ctx, r.caller, r.address, parsed, r.maxRetries, r.backoff, "slot0")
	if err != nil {
		return PoolState{}, err
	}
	if len(slot0) < 7 {
		return PoolState{}, fmt.Errorf("slot0 returned %d values", len(slot0))
	}
	if out.SqrtPriceX96, err = asUint256(slot0[0]); err != nil {
		return PoolState{}, fmt.Errorf("slot0 sqrtPriceX96: %w", err)
	}
	if out.Tick, err = asInt24(slot0[1]); err != nil {
		return PoolState{}, fmt.Errorf("slot0 tick: %w", err)
	}
	if out.ObservationIndex, err = asUint16(slot0[2]); err != nil {
		return PoolState{}, err
	}
	if out.ObservationCardinality, err = asUint16(slot0[3]); err != nil {
		return PoolState{}, err
	}
	if out.ObservationCardinalityNext, err = asUint16(slot0[4]); err != nil {
		return PoolState{}, err
	}
	if out.FeeProtocol, err = asUint8(slot0[5]); err != nil {
		return PoolState{}, err
	}
	unlocked, ok := slot0[6].(bool)
	if !ok {
		return PoolState{}, fmt.Errorf("slot0 unlocked: unexpected type %T", slot0[6])
	}
	out.Unlocked = unlocked
	return out, nil
}

// Snapshot combines immutables and state into one fresh view.
func (r *PoolReader) Snapshot(ctx context.Context) (PoolSnapshot, error) {
	imm, err := r.Immutables(ctx)
	if err != nil {
		return PoolSnapshot{}, fmt.Errorf("pool immutables: %w", err)
	}
	st, err := r.State(ctx)
	if err != nil {
		return PoolSnapshot{}, fmt.Errorf("pool state: %w", err)
	}
	return PoolSnapshot{
		Address:      r.address,
		Token0:       imm.Token0,
		Token1:       imm.Token1,
		Tick:         st.Tick,
		SqrtPriceX96: st.SqrtPriceX96,
		Liquidity:    st.Liquidity,
		FeeTier:      imm.Fee,
		TickSpacing:  imm.TickSpacing,
	}, nil
}

func (r *PoolReader) callOne(ctx context.Context, parsed abi.ABI, method string) (interface{}, error) {
	values, err := callMethod(ctx, r.caller, r.address, parsed, r.maxRetries, r.backoff, method)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values[0], nil
}

// ResolvePool asks the factory for the pool address of a token pair and fee tier.
func ResolvePool(ctx context.Context, caller Caller, factory, tokenA, tokenB common.Address, fee int) (common.Address, error) {
	parsed, err := V3FactoryABI()
	if err != nil {
		return common.Address{}, err
	}
	values, err := callMethod(ctx, caller, factory, parsed, 0, 0, "getPool", tokenA, tokenB, bigFromInt(fee))
	if err != nil {
		return common.Address{}, err
	}
	if len(values) == 0 {
		return common.Address{}, errors.New("getPool returned no values")
	}
	addr, err := asAddress(values[0])
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s/%s fee %d", ErrPoolNotFound, tokenA.Hex(), tokenB.Hex(), fee)
	}
	return addr, nil
}

func callMethod(ctx context.Context, caller Caller, to common.Address, parsed abi.ABI, maxRetries int, backoff time.Duration, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	var raw []byte
	err = withRetry(ctx, maxRetries, backoff, func(ctx context.Context) error {
		out, callErr := caller.CallContract(ctx, msg, nil)
		if callErr != nil {
			return callErr
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}
