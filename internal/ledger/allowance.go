package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Approver keeps ERC20 allowances from the wallet toward a spender topped up.
type Approver struct {
	caller        Caller
	submitter     *Submitter
	owner         common.Address
	confirmations uint64
	// approveAmount is what gets approved when the allowance is short. Nil means the requested amount.
	approveAmount *big.Int
	log           *zap.Logger
}

func NewApprover(caller Caller, submitter *Submitter, owner common.Address, confirmations uint64, approveAmount *big.Int, log *zap.Logger) *Approver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Approver{
		caller:        caller,
		submitter:     submitter,
		owner:         owner,
		confirmations: confirmations,
		approveAmount: approveAmount,
		log:           log,
	}
}

func (a *Approver) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, err
	}
	values, err := callMethod(ctx, a.caller, token, parsed, 0, 0, "allowance", a.owner, spender)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New("allowance returned no values")
	}
	return asBigInt(values[0])
}

func (a *Approver) EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	current, err := a.Allowance(ctx, token, spender)
	if err != nil {
		return fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	target := amount
	if a.approveAmount != nil && a.approveAmount.Cmp(amount) > 0 {
		target = a.approveAmount
	}
	parsed, err := ERC20ABI()
	if err != nil {
		return err
	}
	data, err := parsed.Pack("approve", spender, target)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	a.log.Info("approving token",
		zap.String("token", token.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("amount", target.String()),
	)
	pending, err := a.submitter.Submit(ctx, TxRequest{
		To:    token,
		Data:  data,
		Value: new(big.Int),
		Label: "approve-" + token.Hex(),
	})
	if err != nil {
		return fmt.Errorf("approve %s: %w", token.Hex(), err)
	}
	if _, err := a.submitter.WaitForConfirmations(ctx, pending, a.confirmations); err != nil {
		return fmt.Errorf("approve %s: %w", token.Hex(), err)
	}
	return nil
}
