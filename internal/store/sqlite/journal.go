// Package sqlite journals emitted alerts and state transitions to a local
// SQLite database for later inspection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"flowscanner/internal/model"
	"flowscanner/internal/statemachine"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 4096
)

// Config configures the journal.
type Config struct {
	Path       string // database file, e.g. "data/journal.db"
	BatchSize  int
	FlushDelay time.Duration
	QueueSize  int
}

// record is one queued row: exactly one of the fields is set.
type record struct {
	alert      *model.Alert
	transition *statemachine.Transition
}

// Journal is a single-writer SQLite journal. Record calls only enqueue;
// Run owns the connection and commits rows in batched transactions.
type Journal struct {
	db    *sql.DB
	cfg   Config
	queue chan record
	log   zerolog.Logger

	OnDrop  func()              // a record was dropped because the queue was full
	OnWrite func(time.Duration) // a batch was committed
}

// Open opens (creating if needed) the database in WAL mode and applies the
// schema.
func Open(cfg Config, log zerolog.Logger) (*Journal, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info().Str("path", cfg.Path).Msg("sqlite journal opened")
	return &Journal{
		db:    db,
		cfg:   cfg,
		queue: make(chan record, cfg.QueueSize),
		log:   log.With().Str("component", "sqlite").Logger(),
	}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id           TEXT    PRIMARY KEY,
			symbol       TEXT    NOT NULL,
			pattern      TEXT    NOT NULL,
			direction    TEXT    NOT NULL DEFAULT '',
			score        REAL    NOT NULL,
			regime       TEXT    NOT NULL,
			price        REAL    NOT NULL,
			candle_ts    INTEGER NOT NULL,
			emitted_at   INTEGER NOT NULL,
			timeframe_ms INTEGER NOT NULL,
			strength     REAL    NOT NULL DEFAULT 0,
			message      TEXT    NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_emitted ON alerts (emitted_at);
		CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts (symbol, candle_ts);

		CREATE TABLE IF NOT EXISTS transitions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			from_state TEXT    NOT NULL,
			to_state   TEXT    NOT NULL,
			at         INTEGER NOT NULL,
			reason     TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_symbol ON transitions (symbol, at);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

func (j *Journal) enqueue(r record) {
	select {
	case j.queue <- r:
	default:
		if j.OnDrop != nil {
			j.OnDrop()
		}
		j.log.Warn().Msg("journal queue full, record dropped")
	}
}

// RecordAlert queues an alert. Never blocks.
func (j *Journal) RecordAlert(a model.Alert) { j.enqueue(record{alert: &a}) }

// RecordTransition queues a state transition. Never blocks.
func (j *Journal) RecordTransition(t statemachine.Transition) {
	j.enqueue(record{transition: &t})
}

// Sink methods: only alerts are journaled.
func (j *Journal) OnAlert(a model.Alert)                          { j.RecordAlert(a) }
func (j *Journal) OnStateSnapshot(map[string]model.StateSnapshot) {}
func (j *Journal) OnLivenessTick()                                {}
func (j *Journal) OnFeedError(string)                             {}
func (j *Journal) OnFeedConnected()                               {}

// Run commits queued records every BatchSize records or FlushDelay,
// whichever comes first. On cancellation it commits what is queued and
// returns.
func (j *Journal) Run(ctx context.Context) error {
	batch := make([]record, 0, j.cfg.BatchSize)
	timer := time.NewTimer(j.cfg.FlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := j.insertBatch(batch); err != nil {
			j.log.Error().Err(err).Int("rows", len(batch)).Msg("batch insert failed")
		} else {
			if j.OnWrite != nil {
				j.OnWrite(time.Since(start))
			}
			j.log.Debug().Int("rows", len(batch)).Dur("took", time.Since(start)).Msg("journal committed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-j.queue:
					batch = append(batch, r)
				default:
					flush()
					return nil
				}
			}

		case r := <-j.queue:
			batch = append(batch, r)
			if len(batch) >= j.cfg.BatchSize {
				flush()
				timer.Reset(j.cfg.FlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(j.cfg.FlushDelay)
		}
	}
}

func (j *Journal) insertBatch(rows []record) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}

	alertStmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO alerts
			(id, symbol, pattern, direction, score, regime, price, candle_ts, emitted_at, timeframe_ms, strength, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer alertStmt.Close()

	transStmt, err := tx.Prepare(`
		INSERT INTO transitions (symbol, from_state, to_state, at, reason) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer transStmt.Close()

	for _, r := range rows {
		switch {
		case r.alert != nil:
			a := r.alert
			_, err = alertStmt.Exec(a.ID, a.Symbol, string(a.Pattern), string(a.Direction), a.Score,
				string(a.Regime), a.Price, a.CandleTsMs, a.EmittedAtMs, a.Timeframe.Milliseconds(),
				a.Strength, a.Message)
		case r.transition != nil:
			t := r.transition
			_, err = transStmt.Exec(t.Symbol, string(t.From), string(t.To), t.AtMs, t.Reason)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecentAlerts returns up to limit alerts, newest first.
func (j *Journal) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, symbol, pattern, direction, score, regime, price, candle_ts, emitted_at, timeframe_ms, strength, message
		FROM alerts ORDER BY emitted_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var pattern, direction, regime string
		var tfMs int64
		if err := rows.Scan(&a.ID, &a.Symbol, &pattern, &direction, &a.Score, &regime, &a.Price,
			&a.CandleTsMs, &a.EmittedAtMs, &tfMs, &a.Strength, &a.Message); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Pattern = model.PatternType(pattern)
		a.Direction = model.Direction(direction)
		a.Regime = model.FlowRegime(regime)
		a.Timeframe = time.Duration(tfMs) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// Transitions returns up to limit transitions of symbol, newest first.
// An empty symbol matches every symbol.
func (j *Journal) Transitions(ctx context.Context, symbol string, limit int) ([]statemachine.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT symbol, from_state, to_state, at, reason FROM transitions
		WHERE ? = '' OR symbol = ?
		ORDER BY at DESC, id DESC LIMIT ?`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []statemachine.Transition
	for rows.Next() {
		var t statemachine.Transition
		var from, to string
		if err := rows.Scan(&t.Symbol, &from, &to, &t.AtMs, &t.Reason); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From, t.To = model.State(from), model.State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
