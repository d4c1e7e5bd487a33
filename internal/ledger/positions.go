package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// WithdrawRequest describes a full withdrawal of one position: remove all
// liquidity and collect everything owed.
type WithdrawRequest struct {
	TokenID    *big.Int
	Liquidity  *uint256.Int
	Amount0Min *uint256.Int
	Amount1Min *uint256.Int
	// ExpectedOwed0/1 are the owed amounts read just before the withdrawal.
	// They are reported with the request; collect always asks for the maximum.
	ExpectedOwed0 *uint256.Int
	ExpectedOwed1 *uint256.Int
	Recipient     common.Address
	Deadline      time.Time
}

// ExpectedPayout is the minimum amount of each token the withdrawal should return.
func (r WithdrawRequest) ExpectedPayout() (*uint256.Int, *uint256.Int) {
	return addU256(r.ExpectedOwed0, r.Amount0Min), addU256(r.ExpectedOwed1, r.Amount1Min)
}

type decreaseLiquidityParams struct {
	TokenId    *big.Int
	Liquidity  *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
	Deadline   *big.Int
}

type collectParams struct {
	TokenId    *big.Int
	Recipient  common.Address
	Amount0Max *big.Int
	Amount1Max *big.Int
}

// PositionManager talks to the NonfungiblePositionManager contract.
type PositionManager struct {
	caller     Caller
	address    common.Address
	maxRetries int
	backoff    time.Duration
}

func NewPositionManager(caller Caller, address common.Address, maxRetries int, backoff time.Duration) *PositionManager {
	return &PositionManager{caller: caller, address: address, maxRetries: maxRetries, backoff: backoff}
}

func (m *PositionManager) Address() common.Address {
	return m.address
}

// OwnedIDs returns every position id held by owner, in enumeration order.
func (m *PositionManager) OwnedIDs(ctx context.Context, owner common.Address) ([]*big.Int, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return nil, err
	}
	values, err := callMethod(ctx, m.caller, m.address, parsed, m.maxRetries, m.backoff, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New("balanceOf returned no values")
	}
	balance, err := asBigInt(values[0])
	if err != nil {
		return nil, err
	}
	if !balance.IsInt64() {
		return nil, fmt.Errorf("balance too large: %s", balance.String())
	}
	count := balance.Int64()
	ids := make([]*big.Int, 0, count)
	for i := int64(0); i < count; i++ {
		values, err := callMethod(ctx, m.caller, m.address, parsed, m.maxRetries, m.backoff, "tokenOfOwnerByIndex", owner, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, errors.New("tokenOfOwnerByIndex returned no values")
		}
		id, err := asBigInt(values[0])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListPositions returns the ids of owner's positions on the given pool, ascending.
func (m *PositionManager) ListPositions(ctx context.Context, owner common.Address, key PoolKey) ([]*big.Int, error) {
	ids, err := m.OwnedIDs(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]*big.Int, 0, len(ids))
	for _, id := range ids {
		pos, err := m.GetPosition(ctx, id)
		if err != nil {
			return nil, err
		}
		if pos.Key() == key {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (m *PositionManager) GetPosition(ctx context.Context, id *big.Int) (Position, error) {
	if id == nil {
		return Position{}, errors.New("position id is required")
	}
	parsed, err := PositionManagerABI()
	if err != nil {
		return Position{}, err
	}
	values, err := callMethod(ctx, m.caller, m.address, parsed, m.maxRetries, m.backoff, "positions", id)
	if err != nil {
		return Position{}, err
	}
	if len(values) < 12 {
		return Position{}, fmt.Errorf("positions returned %d values", len(values))
	}
	pos := Position{ID: new(big.Int).Set(id)}
	if pos.Token0, err = asAddress(values[2]); err != nil {
		return Position{}, err
	}
	if pos.Token1, err = asAddress(values[3]); err != nil {
		return Position{}, err
	}
	fee, err := asBigInt(values[4])
	if err != nil {
		return Position{}, err
	}
	pos.Fee = int(fee.Int64())
	if pos.TickLower, err = asInt24(values[5]); err != nil {
		return Position{}, err
	}
	if pos.TickUpper, err = asInt24(values[6]); err != nil {
		return Position{}, err
	}
	if pos.Liquidity, err = asUint256(values[7]); err != nil {
		return Position{}, err
	}
	if pos.OwedToken0, err = asUint256(values[10]); err != nil {
		return Position{}, err
	}
	if pos.OwedToken1, err = asUint256(values[11]); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// WithdrawCall encodes multicall(decreaseLiquidity, collect) for a full exit.
// When the position holds no liquidity only collect is encoded.
func (m *PositionManager) WithdrawCall(req WithdrawRequest) (TxRequest, error) {
	if req.TokenID == nil {
		return TxRequest{}, errors.New("token id is required")
	}
	if req.Recipient == (common.Address{}) {
		return TxRequest{}, errors.New("recipient is required")
	}
	parsed, err := PositionManagerABI()
	if err != nil {
		return TxRequest{}, err
	}

	calls := make([][]byte, 0, 2)
	if !isZero(req.Liquidity) {
		decrease, err := parsed.Pack("decreaseLiquidity", decreaseLiquidityParams{
			TokenId:    req.TokenID,
			Liquidity:  toBig(req.Liquidity),
			Amount0Min: toBig(req.Amount0Min),
			Amount1Min: toBig(req.Amount1Min),
			Deadline:   big.NewInt(req.Deadline.Unix()),
		})
		if err != nil {
			return TxRequest{}, fmt.Errorf("pack decreaseLiquidity: %w", err)
		}
		calls = append(calls, decrease)
	}
	collect, err := parsed.Pack("collect", collectParams{
		TokenId:    req.TokenID,
		Recipient:  req.Recipient,
		Amount0Max: new(big.Int).Set(maxUint128),
		Amount1Max: new(big.Int).Set(maxUint128),
	})
	if err != nil {
		return TxRequest{}, fmt.Errorf("pack collect: %w", err)
	}
	calls = append(calls, collect)

	data, err := parsed.Pack("multicall", calls)
	if err != nil {
		return TxRequest{}, fmt.Errorf("pack multicall: %w", err)
	}
	return TxRequest{
		To:    m.address,
		Data:  data,
		Value: new(big.Int),
		Label: "withdraw-" + req.TokenID.String(),
	}, nil
}

func addU256(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if a != nil {
		out.Set(a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}
