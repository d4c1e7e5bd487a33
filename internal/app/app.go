package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"lp-rebalancer/internal/alerts"
	"lp-rebalancer/internal/config"
	"lp-rebalancer/internal/exec"
	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/metrics"
	"lp-rebalancer/internal/pricing"
	"lp-rebalancer/internal/rebalance"
	"lp-rebalancer/internal/router"
	"lp-rebalancer/internal/state"
	"lp-rebalancer/internal/state/sqlite"
	"lp-rebalancer/internal/strategy"
	"lp-rebalancer/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Clock is the loop's time source.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Notifier interface {
	Notify(ctx context.Context, key, message string) error
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	clock     Clock
	store     state.Store
	pool      rebalance.LedgerReader
	positions rebalance.PositionRegistry
	manager   *rebalance.Manager
	executor  *exec.Executor
	machine   *strategy.StateMachine
	tracker   *strategy.Tracker
	conv      pricing.Converter
	intent    strategy.RebalanceIntent
	wallet    common.Address
	metrics   *metrics.Metrics
	alerts    Notifier
	timescale *timescale.Writer

	metricsHandler http.Handler
	closers        []func() error

	poolKey  ledger.PoolKey
	cycle    *cycle
	readOnly bool
}

// deps are the collaborators New builds from config; tests supply fakes.
type deps struct {
	clock     Clock
	store     state.Store
	pool      rebalance.LedgerReader
	positions rebalance.PositionRegistry
	router    rebalance.Router
	sender    exec.Sender
	approver  rebalance.Approver
	metrics   *metrics.Metrics
	alerts    Notifier
	timescale *timescale.Writer
	wallet    common.Address
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	closers := []func() error{store.Close}
	fail := func(err error) (*App, error) {
		closeAll(closers, log)
		return nil, err
	}

	if cfg.PrivateKey == "" {
		return fail(fmt.Errorf("%s is required", config.EnvPrivateKey))
	}
	signer, err := ledger.NewSigner(cfg.PrivateKey)
	if err != nil {
		return fail(err)
	}
	if cfg.Wallet.Address != "" {
		if err := signer.CheckAddress(common.HexToAddress(cfg.Wallet.Address)); err != nil {
			return fail(err)
		}
	}

	client, err := ledger.NewClient(ctx, cfg.RPC.URL, cfg.RPC.MaxRPS, cfg.RPC.Timeout)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() error { client.Close(); return nil })
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fail(fmt.Errorf("chain id: %w", err))
	}
	if cfg.RPC.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.RPC.ChainID)) != 0 {
		return fail(fmt.Errorf("rpc chain id %s does not match configured %d", chainID, cfg.RPC.ChainID))
	}

	poolAddr := common.HexToAddress(cfg.Pool.Address)
	if cfg.Pool.Address == "" {
		poolAddr, err = ledger.ResolvePool(ctx, client,
			common.HexToAddress(cfg.Contracts.Factory),
			common.HexToAddress(cfg.Pool.Token0),
			common.HexToAddress(cfg.Pool.Token1),
			cfg.Pool.Fee,
		)
		if err != nil {
			return fail(err)
		}
		log.Info("resolved pool", zap.String("pool", poolAddr.Hex()), zap.Int("fee", cfg.Pool.Fee))
	}

	submitter := ledger.NewSubmitter(client, signer, ledger.SubmitterConfig{
		GasLimit:            cfg.Tx.GasLimit,
		ConfirmationTimeout: cfg.Tx.ConfirmationTimeout,
		PollInterval:        cfg.Tx.PollInterval,
	}, log)

	m := metrics.NewNoop()
	var handler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		handler = prom.Handler()
	}

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		writer = nil
	}
	if writer != nil {
		closers = append(closers, writer.Close)
	}

	a := assemble(cfg, log, deps{
		store:     store,
		pool:      ledger.NewPoolReader(client, poolAddr, cfg.RPC.MaxRetries, cfg.RPC.RetryBackoff),
		positions: ledger.NewPositionManager(client, common.HexToAddress(cfg.Contracts.PositionManager), cfg.RPC.MaxRetries, cfg.RPC.RetryBackoff),
		router:    router.New(cfg.Router.BaseURL, cfg.Router.Timeout, log),
		sender:    submitter,
		approver:  ledger.NewApprover(client, submitter, signer.Address(), cfg.Tx.Confirmations, cfg.Tx.ApproveAmountInt(), log),
		metrics:   m,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		timescale: writer,
		wallet:    signer.Address(),
	})
	a.metricsHandler = handler
	a.closers = closers
	return a, nil
}

func assemble(cfg *config.Config, log *zap.Logger, d deps) *App {
	if log == nil {
		log = zap.NewNop()
	}
	if d.clock == nil {
		d.clock = systemClock{}
	}
	if d.metrics == nil {
		d.metrics = metrics.NewNoop()
	}
	conv := pricing.NewConverter(cfg.Pool.Decimals0, cfg.Pool.Decimals1, cfg.Pricing.Places)
	machine := strategy.NewStateMachine()
	executor := exec.New(d.sender, d.store, log)
	manager := rebalance.NewManager(rebalance.Config{
		Wallet:                 d.wallet,
		SwapRouter:             common.HexToAddress(cfg.Contracts.SwapRouter),
		ChainID:                cfg.RPC.ChainID,
		Decimals0:              cfg.Pool.Decimals0,
		Decimals1:              cfg.Pool.Decimals1,
		Places:                 cfg.Pricing.Places,
		Confirmations:          cfg.Tx.Confirmations,
		GasLimit:               cfg.Tx.GasLimit,
		Deadline:               cfg.Tx.Deadline,
		SlippageBps:            cfg.Tx.SlippageBps,
		RouteMaxIterations:     cfg.Router.MaxIterations,
		RouteRatioToleranceBps: cfg.Router.RatioErrorToleranceBps,
		RouteSlippageBps:       cfg.Router.SlippageBps,
	}, d.pool, d.positions, d.router, executor, d.approver, machine, log)
	manager.SetClock(d.clock.Now)

	return &App{
		cfg:       cfg,
		log:       log,
		clock:     d.clock,
		store:     d.store,
		pool:      d.pool,
		positions: d.positions,
		manager:   manager,
		executor:  executor,
		machine:   machine,
		tracker:   strategy.NewTracker(conv),
		conv:      conv,
		intent:    intentFromConfig(cfg.Position),
		wallet:    d.wallet,
		metrics:   d.metrics,
		alerts:    d.alerts,
		timescale: d.timescale,
	}
}

func intentFromConfig(p config.PositionConfig) strategy.RebalanceIntent {
	return strategy.RebalanceIntent{
		DollarAmount:       p.TotalUSD,
		LowerMarginUSD:     p.LowerMarginUSD,
		UpperMarginUSD:     p.UpperMarginUSD,
		FixedWidthSpacings: p.FixedWidthSpacings,
	}
}

// Run bootstraps and polls until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	a.timescale.Start(ctx)
	a.startMetricsServer(ctx)
	for {
		err := a.bootstrap(ctx)
		if err == nil {
			break
		}
		a.metrics.StateReadFailed.Inc()
		a.log.Warn("bootstrap failed, retrying", zap.Error(err), zap.Duration("in", a.cfg.Loop.Interval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(a.cfg.Loop.Interval):
		}
	}
	for {
		if err := a.tick(ctx); err != nil {
			a.log.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(a.cfg.Loop.Interval):
		}
	}
}

func (a *App) Close() {
	closeAll(a.closers, a.log)
	a.closers = nil
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.metricsHandler == nil {
		return
	}
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, a.metricsHandler)
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", path))
}

func closeAll(closers []func() error, log *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && log != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}
}
