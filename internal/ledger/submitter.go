package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrTxReverted          = errors.New("transaction reverted")
	// ErrTxDropped comes wrapped with ErrConfirmationTimeout when the
	// transaction can no longer be mined and must be sent again.
	ErrTxDropped = errors.New("transaction dropped")
	// ErrBroadcast marks failures after the signed transaction was handed to
	// the node. The transaction may still be mined.
	ErrBroadcast = errors.New("broadcast failed")
)

const defaultPollInterval = 2 * time.Second

type SubmitterConfig struct {
	GasLimit            uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// Submitter signs and broadcasts transactions from one wallet and waits for
// them to reach a confirmation depth.
type Submitter struct {
	backend Backend
	signer  *Signer
	cfg     SubmitterConfig
	log     *zap.Logger

	mu      sync.Mutex
	chainID *big.Int
}

func NewSubmitter(backend Backend, signer *Signer, cfg SubmitterConfig, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Submitter{backend: backend, signer: signer, cfg: cfg, log: log}
}

func (s *Submitter) Submit(ctx context.Context, req TxRequest) (PendingTx, error) {
	if s.signer == nil {
		return PendingTx{}, errors.New("signer is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chainID, err := s.chain(ctx)
	if err != nil {
		return PendingTx{}, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := s.backend.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return PendingTx{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice := req.GasPrice
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		gasPrice, err = s.backend.SuggestGasPrice(ctx)
		if err != nil {
			return PendingTx{}, fmt.Errorf("gas price: %w", err)
		}
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = s.cfg.GasLimit
	}
	if gasLimit == 0 {
		return PendingTx{}, errors.New("gas limit is required")
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signed, err := s.signer.SignTx(tx, chainID)
	if err != nil {
		return PendingTx{}, fmt.Errorf("sign: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return PendingTx{}, fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	s.log.Info("transaction sent",
		zap.String("label", req.Label),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("to", req.To.Hex()),
	)
	return PendingTx{Hash: signed.Hash(), Nonce: nonce, Label: req.Label}, nil
}

// WaitForConfirmations blocks until the transaction is n blocks deep, the
// configured timeout elapses, or ctx ends. A timeout is never a success.
func (s *Submitter) WaitForConfirmations(ctx context.Context, tx PendingTx, n uint64) (Receipt, error) {
	if n == 0 {
		n = 1
	}
	waitCtx := ctx
	if s.cfg.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.ConfirmationTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := s.check(waitCtx, tx, n)
		if err != nil {
			return receipt, err
		}
		if done {
			return receipt, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Receipt{}, ctx.Err()
			}
			if s.dropped(ctx, tx) {
				s.log.Warn("transaction dropped", zap.String("tx", tx.Hash.Hex()), zap.String("label", tx.Label), zap.Uint64("nonce", tx.Nonce))
				return Receipt{}, fmt.Errorf("%w: %w: %s (%s)", ErrConfirmationTimeout, ErrTxDropped, tx.Hash.Hex(), tx.Label)
			}
			return Receipt{}, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, tx.Hash.Hex(), s.cfg.ConfirmationTimeout)
		case <-ticker.C:
		}
	}
}

// dropped reports whether tx can no longer be mined: another transaction
// used its nonce, or the node has forgotten it.
func (s *Submitter) dropped(ctx context.Context, tx PendingTx) bool {
	if s.signer != nil {
		mined, err := s.backend.NonceAt(ctx, s.signer.Address(), nil)
		if err == nil && mined > tx.Nonce {
			_, err := s.backend.TransactionReceipt(ctx, tx.Hash)
			return errors.Is(err, ethereum.NotFound)
		}
	}
	_, _, err := s.backend.TransactionByHash(ctx, tx.Hash)
	return errors.Is(err, ethereum.NotFound)
}

func (s *Submitter) check(ctx context.Context, tx PendingTx, n uint64) (Receipt, bool, error) {
	raw, err := s.backend.TransactionReceipt(ctx, tx.Hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) || ctx.Err() != nil {
			return Receipt{}, false, nil
		}
		s.log.Warn("receipt lookup failed", zap.String("tx", tx.Hash.Hex()), zap.Error(err))
		return Receipt{}, false, nil
	}
	out := Receipt{
		Hash:    tx.Hash,
		Status:  raw.Status,
		GasUsed: raw.GasUsed,
	}
	if raw.BlockNumber != nil {
		out.BlockNumber = raw.BlockNumber.Uint64()
	}
	if raw.Status != types.ReceiptStatusSuccessful {
		return out, false, fmt.Errorf("%w: %s (%s)", ErrTxReverted, tx.Hash.Hex(), tx.Label)
	}
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return out, false, nil
	}
	if head >= out.BlockNumber {
		out.Confirmations = head - out.BlockNumber + 1
	}
	return out, out.Confirmations >= n, nil
}

func (s *Submitter) chain(ctx context.Context) (*big.Int, error) {
	if s.chainID != nil {
		return s.chainID, nil
	}
	id, err := s.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	s.chainID = id
	return id, nil
}
