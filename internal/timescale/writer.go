package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"clmm-lp-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TickSnapshot is one row of controller and market state per tick.
type TickSnapshot struct {
	Time          time.Time
	StrategyID    string
	State         string
	Reason        string
	Price         float64
	HasPrice      bool
	PositionID    string
	PositionState string
	Lower         float64
	Upper         float64
	PositionValue float64
	WalletBase    float64
	WalletQuote   float64
	Equity        float64
	AnchorEquity  float64
	RealizedPnL   float64
	FeeRate       float64
	Rebalances    int
}

// Transition is one controller state change with the actions it emitted.
type Transition struct {
	Time       time.Time
	StrategyID string
	FromState  string
	ToState    string
	Reason     string
	Actions    []string
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	snapshots   chan TickSnapshot
	transitions chan Transition
	started     atomic.Bool
	dropSnap    atomic.Uint64
	dropTrans   atomic.Uint64
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
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		snapshots:   make(chan TickSnapshot, queueSize),
		transitions: make(chan Transition, queueSize),
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

// Dropped reports rows discarded because a queue was full.
func (w *Writer) Dropped() (snapshots, transitions uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropSnap.Load(), w.dropTrans.Load()
}

func (w *Writer) EnqueueSnapshot(snap TickSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
	default:
		if w.dropSnap.Add(1) == 1 {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

func (w *Writer) EnqueueTransition(tr Transition) {
	if w == nil {
		return
	}
	select {
	case w.transitions <- tr:
	default:
		if w.dropTrans.Add(1) == 1 {
			w.log.Warn("timescale transition queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		case tr := <-w.transitions:
			w.writeTransition(ctx, tr)
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
		strategy_id TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT NOT NULL,
		price DOUBLE PRECISION,
		position_id TEXT,
		position_state TEXT,
		lower_price DOUBLE PRECISION,
		upper_price DOUBLE PRECISION,
		position_value DOUBLE PRECISION NOT NULL,
		wallet_base DOUBLE PRECISION NOT NULL,
		wallet_quote DOUBLE PRECISION NOT NULL,
		equity DOUBLE PRECISION NOT NULL,
		anchor_equity DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		fee_rate DOUBLE PRECISION NOT NULL,
		rebalances_total INTEGER NOT NULL
	)`, w.table("lp_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL,
		actions TEXT NOT NULL
	)`, w.table("lp_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"lp_snapshots", "lp_transitions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, snap TickSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy_id, state, reason, price, position_id, position_state, lower_price, upper_price,
		position_value, wallet_base, wallet_quote, equity, anchor_equity, realized_pnl, fee_rate, rebalances_total
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
	)`, w.table("lp_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.StrategyID,
		snap.State,
		snap.Reason,
		nullFloat(snap.Price, snap.HasPrice),
		nullString(snap.PositionID),
		nullString(snap.PositionState),
		nullFloat(snap.Lower, snap.Lower > 0),
		nullFloat(snap.Upper, snap.Upper > 0),
		snap.PositionValue,
		snap.WalletBase,
		snap.WalletQuote,
		snap.Equity,
		snap.AnchorEquity,
		snap.RealizedPnL,
		snap.FeeRate,
		snap.Rebalances,
	); err != nil {
		w.log.Warn("timescale snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTransition(ctx context.Context, tr Transition) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy_id, from_state, to_state, reason, actions
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("lp_transitions"))
	if _, err := w.db.ExecContext(ctx, query,
		tr.Time,
		tr.StrategyID,
		tr.FromState,
		tr.ToState,
		tr.Reason,
		strings.Join(tr.Actions, ","),
	); err != nil {
		w.log.Warn("timescale transition insert failed", zap.Error(err))
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

func nullFloat(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
