package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type Sender interface {
	Submit(ctx context.Context, req ledger.TxRequest) (ledger.PendingTx, error)
	WaitForConfirmations(ctx context.Context, tx ledger.PendingTx, n uint64) (ledger.Receipt, error)
}

// Executor submits transactions at most once per label. Labels carry the
// cycle id and step, so a restart mid-cycle waits on the transaction already
// sent instead of sending a second one.
type Executor struct {
	sender   Sender
	store    state.Store
	log      *zap.Logger
	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	cache map[string]ledger.PendingTx
}

func New(sender Sender, store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		sender:   sender,
		store:    store,
		log:      log,
		attempts: 5,
		backoff:  200 * time.Millisecond,
		cache:    make(map[string]ledger.PendingTx),
	}
}

type sentRecord struct {
	Hash  string `json:"hash"`
	Nonce uint64 `json:"nonce"`
	Label string `json:"label"`
}

func (e *Executor) Submit(ctx context.Context, req ledger.TxRequest) (ledger.PendingTx, error) {
	if req.Label == "" {
		return e.submitWithRetry(ctx, req)
	}
	cacheKey := "tx:" + req.Label
	e.mu.Lock()
	if tx, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return tx, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		raw, ok, err := e.store.Get(ctx, cacheKey)
		if err != nil {
			return ledger.PendingTx{}, err
		}
		if ok {
			tx, err := decodeRecord(raw)
			if err != nil {
				return ledger.PendingTx{}, err
			}
			e.log.Info("reusing submitted transaction", zap.String("label", req.Label), zap.String("tx", tx.Hash.Hex()))
			e.remember(cacheKey, tx)
			return tx, nil
		}
	}
	tx, err := e.submitWithRetry(ctx, req)
	if err != nil {
		return ledger.PendingTx{}, err
	}
	if e.store != nil {
		payload, err := json.Marshal(sentRecord{Hash: tx.Hash.Hex(), Nonce: tx.Nonce, Label: tx.Label})
		if err == nil {
			err = e.store.Set(ctx, cacheKey, string(payload))
		}
		if err != nil {
			e.log.Warn("failed to persist tx hash", zap.Error(err))
		}
	}
	e.remember(cacheKey, tx)
	return tx, nil
}

func (e *Executor) WaitForConfirmations(ctx context.Context, tx ledger.PendingTx, n uint64) (ledger.Receipt, error) {
	return e.sender.WaitForConfirmations(ctx, tx, n)
}

// Forget drops submission records whose label starts with prefix.
func (e *Executor) Forget(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	cacheKey := "tx:" + prefix
	e.mu.Lock()
	for k := range e.cache {
		if strings.HasPrefix(k, cacheKey) {
			delete(e.cache, k)
		}
	}
	e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.DeletePrefix(ctx, cacheKey)
}

func (e *Executor) remember(key string, tx ledger.PendingTx) {
	e.mu.Lock()
	e.cache[key] = tx
	e.mu.Unlock()
}

func (e *Executor) submitWithRetry(ctx context.Context, req ledger.TxRequest) (ledger.PendingTx, error) {
	var tx ledger.PendingTx
	err := e.retry(ctx, func() error {
		var err error
		tx, err = e.sender.Submit(ctx, req)
		return err
	})
	if err != nil {
		return ledger.PendingTx{}, err
	}
	if tx.Hash == (common.Hash{}) {
		return ledger.PendingTx{}, errors.New("empty tx hash")
	}
	return tx, nil
}

// retry stops early on broadcast failures; resending could double-spend the nonce.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrBroadcast) || attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func decodeRecord(raw string) (ledger.PendingTx, error) {
	var rec sentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ledger.PendingTx{}, fmt.Errorf("decode tx record: %w", err)
	}
	tx := ledger.PendingTx{Nonce: rec.Nonce, Label: rec.Label}
	if err := tx.Hash.UnmarshalText([]byte(rec.Hash)); err != nil {
		return ledger.PendingTx{}, fmt.Errorf("decode tx hash: %w", err)
	}
	return tx, nil
}
