package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"lp-rebalancer/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Observation is one poll of the pool against the tracked bounds.
type Observation struct {
	Time       time.Time
	Pool       string
	Tick       int
	Price      string
	LowerBound string
	UpperBound string
	Decision   string
	PositionID string
}

// RebalanceEvent records one step of a rebalance cycle.
type RebalanceEvent struct {
	Time          time.Time
	CycleID       string
	Step          string
	Status        string
	PositionID    string
	NewPositionID string
	TickLower     int
	TickUpper     int
	TxHash        string
	Detail        string
}

type Writer struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	observations chan Observation
	events       chan RebalanceEvent
	started      atomic.Bool
	dropObs      atomic.Uint64
	dropEvents   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, log, schema, cfg.QueueSize)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:           db,
		log:          log,
		schema:       schema,
		observations: make(chan Observation, queueSize),
		events:       make(chan RebalanceEvent, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueObservation(obs Observation) {
	if w == nil {
		return
	}
	select {
	case w.observations <- obs:
		return
	default:
		if w.dropObs.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale observation queue full")
		}
	}
}

func (w *Writer) EnqueueEvent(ev RebalanceEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- ev:
		return
	default:
		if w.dropEvents.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale rebalance event queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-w.observations:
			w.writeObservation(ctx, obs)
		case ev := <-w.events:
			w.writeEvent(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pool TEXT NOT NULL,
		tick INTEGER NOT NULL,
		price NUMERIC NOT NULL,
		lower_bound NUMERIC,
		upper_bound NUMERIC,
		decision TEXT NOT NULL,
		position_id TEXT NOT NULL DEFAULT ''
	)`, w.table("pool_observations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		position_id TEXT NOT NULL DEFAULT '',
		new_position_id TEXT NOT NULL DEFAULT '',
		tick_lower INTEGER NOT NULL DEFAULT 0,
		tick_upper INTEGER NOT NULL DEFAULT 0,
		tx_hash TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("rebalance_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"pool_observations", "rebalance_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeObservation(ctx context.Context, obs Observation) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pool, tick, price, lower_bound, upper_bound, decision, position_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("pool_observations"))
	if _, err := w.db.ExecContext(ctx, query,
		obs.Time,
		obs.Pool,
		obs.Tick,
		obs.Price,
		nullable(obs.LowerBound),
		nullable(obs.UpperBound),
		obs.Decision,
		obs.PositionID,
	); err != nil && w.log != nil {
		w.log.Warn("timescale observation insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, ev RebalanceEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_id, step, status, position_id, new_position_id, tick_lower, tick_upper, tx_hash, detail
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("rebalance_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		ev.CycleID,
		ev.Step,
		ev.Status,
		ev.PositionID,
		ev.NewPositionID,
		ev.TickLower,
		ev.TickUpper,
		ev.TxHash,
		ev.Detail,
	); err != nil && w.log != nil {
		w.log.Warn("timescale rebalance event insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
