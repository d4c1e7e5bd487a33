package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Immutables struct {
	Factory             common.Address
	Token0              common.Address
	Token1              common.Address
	Fee                 int
	TickSpacing         int
	MaxLiquidityPerTick *uint256.Int
}

type PoolState struct {
	Liquidity                  *uint256.Int
	SqrtPriceX96               *uint256.Int
	Tick                       int
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	FeeProtocol                uint8
	Unlocked                   bool
}

// PoolSnapshot is a fresh read of one pool; it is never reused across polls.
type PoolSnapshot struct {
	Address      common.Address
	Token0       common.Address
	Token1       common.Address
	Tick         int
	SqrtPriceX96 *uint256.Int
	Liquidity    *uint256.Int
	FeeTier      int
	TickSpacing  int
}

type PoolKey struct {
	Token0 common.Address
	Token1 common.Address
	Fee    int
}

type Position struct {
	ID         *big.Int
	Token0     common.Address
	Token1     common.Address
	Fee        int
	TickLower  int
	TickUpper  int
	Liquidity  *uint256.Int
	OwedToken0 *uint256.Int
	OwedToken1 *uint256.Int
}

func (p Position) Key() PoolKey {
	return PoolKey{Token0: p.Token0, Token1: p.Token1, Fee: p.Fee}
}

// Empty reports a position with nothing left to withdraw or collect.
func (p Position) Empty() bool {
	return isZero(p.Liquidity) && isZero(p.OwedToken0) && isZero(p.OwedToken1)
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasPrice *big.Int
	GasLimit uint64
	// Label identifies the transaction in logs and idempotency keys.
	Label string
}

type PendingTx struct {
	Hash  common.Hash
	Nonce uint64
	Label string
}

type Receipt struct {
	Hash          common.Hash
	Status        uint64
	BlockNumber   uint64
	GasUsed       uint64
	Confirmations uint64
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
