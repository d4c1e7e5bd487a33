package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockSender struct {
	mu    sync.Mutex
	calls int
	errs  []error
	waits int
}

func (m *mockSender) Submit(ctx context.Context, req ledger.TxRequest) (ledger.PendingTx, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return ledger.PendingTx{}, err
	}
	hash := common.BigToHash(common.Big1)
	hash[0] = byte(m.calls)
	return ledger.PendingTx{Hash: hash, Nonce: uint64(m.calls), Label: req.Label}, nil
}

func (m *mockSender) WaitForConfirmations(ctx context.Context, tx ledger.PendingTx, n uint64) (ledger.Receipt, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits++
	return ledger.Receipt{Hash: tx.Hash, Status: 1, Confirmations: n}, nil
}

func newTestExecutor(sender Sender, store state.Store) *Executor {
	e := New(sender, store, zap.NewNop())
	e.backoff = time.Millisecond
	return e
}

func TestExecutorIdempotentSubmit(t *testing.T) {
	store := newMemoryStore()
	sender := &mockSender{}
	executor := newTestExecutor(sender, store)

	ctx := context.Background()
	req := ledger.TxRequest{Label: "cycle-1:mint:1"}

	tx1, err := executor.Submit(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx2, err := executor.Submit(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx1.Hash != tx2.Hash {
		t.Fatalf("expected same hash, got %s and %s", tx1.Hash.Hex(), tx2.Hash.Hex())
	}
	if sender.calls != 1 {
		t.Fatalf("expected 1 submit, got %d", sender.calls)
	}
	if _, ok := store.data["tx:cycle-1:mint:1"]; !ok {
		t.Fatalf("expected tx record to be persisted")
	}
}

func TestExecutorReusesPersistedTxAfterRestart(t *testing.T) {
	store := newMemoryStore()
	first := &mockSender{}
	req := ledger.TxRequest{Label: "cycle-2:withdraw"}

	tx1, err := newTestExecutor(first, store).Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := &mockSender{}
	tx2, err := newTestExecutor(second, store).Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.calls != 0 {
		t.Fatalf("expected no resubmission, got %d", second.calls)
	}
	if tx1.Hash != tx2.Hash || tx1.Nonce != tx2.Nonce || tx2.Label != req.Label {
		t.Fatalf("expected %+v, got %+v", tx1, tx2)
	}
}

func TestExecutorRetriesBeforeBroadcast(t *testing.T) {
	sender := &mockSender{errs: []error{errors.New("nonce: timeout"), errors.New("gas price: timeout")}}
	executor := newTestExecutor(sender, newMemoryStore())

	if _, err := executor.Submit(context.Background(), ledger.TxRequest{Label: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestExecutorDoesNotRetryBroadcastFailure(t *testing.T) {
	sender := &mockSender{errs: []error{fmt.Errorf("%w: connection reset", ledger.ErrBroadcast)}}
	store := newMemoryStore()
	executor := newTestExecutor(sender, store)

	_, err := executor.Submit(context.Background(), ledger.TxRequest{Label: "y"})
	if !errors.Is(err, ledger.ErrBroadcast) {
		t.Fatalf("expected ErrBroadcast, got %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", sender.calls)
	}
	if len(store.data) != 0 {
		t.Fatalf("failed submit should not be persisted")
	}
}

func TestExecutorUnlabeledSubmitsEveryTime(t *testing.T) {
	sender := &mockSender{}
	executor := newTestExecutor(sender, nil)

	for i := 0; i < 2; i++ {
		if _, err := executor.Submit(context.Background(), ledger.TxRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if sender.calls != 2 {
		t.Fatalf("expected 2 submits, got %d", sender.calls)
	}
}

func TestExecutorWaitDelegates(t *testing.T) {
	sender := &mockSender{}
	executor := newTestExecutor(sender, nil)

	receipt, err := executor.WaitForConfirmations(context.Background(), ledger.PendingTx{}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Confirmations != 2 || sender.waits != 1 {
		t.Fatalf("unexpected receipt %+v waits=%d", receipt, sender.waits)
	}
}

func TestExecutorForgetClearsCycle(t *testing.T) {
	store := newMemoryStore()
	sender := &mockSender{}
	executor := newTestExecutor(sender, store)
	ctx := context.Background()

	for _, label := range []string{"c1:withdraw", "c1:mint:1", "c2:withdraw"} {
		if _, err := executor.Submit(ctx, ledger.TxRequest{Label: label}); err != nil {
			t.Fatalf("submit %s: %v", label, err)
		}
	}
	if err := executor.Forget(ctx, "c1:"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if len(store.data) != 1 {
		t.Fatalf("expected 1 record left, got %v", store.data)
	}
	if _, err := executor.Submit(ctx, ledger.TxRequest{Label: "c1:withdraw"}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if sender.calls != 4 {
		t.Fatalf("expected forgotten label to submit again, got %d calls", sender.calls)
	}
}
