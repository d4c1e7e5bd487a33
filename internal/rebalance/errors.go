package rebalance

import (
	"errors"

	"lp-rebalancer/internal/ledger"
)

var (
	ErrStateReadFailed    = errors.New("state read failed")
	ErrLiquidationFailed  = errors.New("liquidation failed")
	ErrRouteToRatioFailed = errors.New("route to ratio failed")
	ErrMintFailed         = errors.New("mint failed")
	ErrReconcileFailed    = errors.New("reconcile failed")
	ErrInvalidRange       = errors.New("invalid tick range")

	// ErrConfirmationTimeout is the ledger sentinel so errors.Is matches
	// timeouts surfaced by any TxSubmitter built on the ledger package.
	ErrConfirmationTimeout = ledger.ErrConfirmationTimeout
)
