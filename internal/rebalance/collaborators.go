package rebalance

import (
	"context"
	"math/big"

	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/router"

	"github.com/ethereum/go-ethereum/common"
)

type LedgerReader interface {
	Snapshot(ctx context.Context) (ledger.PoolSnapshot, error)
}

type PositionRegistry interface {
	ListPositions(ctx context.Context, owner common.Address, key ledger.PoolKey) ([]*big.Int, error)
	GetPosition(ctx context.Context, id *big.Int) (ledger.Position, error)
	WithdrawCall(req ledger.WithdrawRequest) (ledger.TxRequest, error)
}

type Router interface {
	RouteToRatio(ctx context.Context, req router.RatioRequest) (router.RatioResponse, error)
}

type TxSubmitter interface {
	Submit(ctx context.Context, req ledger.TxRequest) (ledger.PendingTx, error)
	WaitForConfirmations(ctx context.Context, tx ledger.PendingTx, n uint64) (ledger.Receipt, error)
}

// Approver is optional; without it the wallet must already hold allowances.
type Approver interface {
	EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error
}
