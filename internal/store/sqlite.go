package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
)

// SQLiteStore implements Ledger using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the ledger database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Executed fills
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		broker_order_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		executed_at DATETIME NOT NULL
	);

	-- End-of-day account snapshots, one per trading date
	CREATE TABLE IF NOT EXISTS daily_snapshots (
		date TEXT PRIMARY KEY,
		cash REAL NOT NULL,
		holdings_value REAL NOT NULL,
		total_equity REAL NOT NULL,
		daily_pnl REAL NOT NULL,
		daily_return REAL NOT NULL,
		peak_equity REAL NOT NULL,
		drawdown REAL NOT NULL,
		position_count INTEGER NOT NULL,
		broker_cash REAL NOT NULL DEFAULT 0,
		broker_equity REAL NOT NULL DEFAULT 0,
		discrepancy TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	-- Screening audit
	CREATE TABLE IF NOT EXISTS screening_runs (
		run_id TEXT PRIMARY KEY,
		universe_size INTEGER NOT NULL,
		filtered_count INTEGER NOT NULL,
		selected_count INTEGER NOT NULL,
		elapsed_ns INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS screening_scores (
		run_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		sector TEXT NOT NULL DEFAULT '',
		value_score REAL NOT NULL,
		momentum_score REAL NOT NULL,
		quality_score REAL NOT NULL,
		composite REAL NOT NULL,
		passed INTEGER NOT NULL,
		filter_reason TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL DEFAULT 0,
		last_price REAL NOT NULL DEFAULT 0,
		atr REAL NOT NULL DEFAULT 0,
		market_cap REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, symbol),
		FOREIGN KEY (run_id) REFERENCES screening_runs(run_id)
	);

	-- Daily candle cache
	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		PRIMARY KEY (symbol, timestamp)
	);

	CREATE TABLE IF NOT EXISTS candle_sync (
		symbol TEXT PRIMARY KEY,
		covered_from DATETIME NOT NULL,
		synced_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_symbol ON transactions(symbol);
	CREATE INDEX IF NOT EXISTS idx_transactions_executed ON transactions(executed_at);
	CREATE INDEX IF NOT EXISTS idx_screening_runs_created ON screening_runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return dbErr("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func dbErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, errors.ErrDatabaseError, err)
}

// ============================================================================
// Transactions
// ============================================================================

// RecordTransaction appends an executed fill.
func (s *SQLiteStore) RecordTransaction(ctx context.Context, rec models.TransactionRecord) error {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	if rec.Amount == 0 {
		rec.Amount = float64(rec.Quantity) * rec.Price
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (order_id, broker_order_id, symbol, side, quantity, price, amount, realized_pnl, reason, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.OrderID, rec.BrokerOrderID, rec.Symbol, string(rec.Side), rec.Quantity, rec.Price, rec.Amount,
		rec.RealizedPnL, rec.Reason, rec.ExecutedAt.UTC())
	if err != nil {
		return dbErr("record transaction", err)
	}
	return nil
}

// Transactions returns fills matching filter, oldest first.
func (s *SQLiteStore) Transactions(ctx context.Context, filter TransactionFilter) ([]models.TransactionRecord, error) {
	query := "SELECT id, order_id, broker_order_id, symbol, side, quantity, price, amount, realized_pnl, reason, executed_at FROM transactions WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.From.IsZero() {
		query += " AND executed_at >= ?"
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += " AND executed_at <= ?"
		args = append(args, filter.To.UTC())
	}

	query += " ORDER BY executed_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("query transactions", err)
	}
	defer rows.Close()

	var out []models.TransactionRecord
	for rows.Next() {
		var r models.TransactionRecord
		var side string
		if err := rows.Scan(&r.ID, &r.OrderID, &r.BrokerOrderID, &r.Symbol, &side, &r.Quantity,
			&r.Price, &r.Amount, &r.RealizedPnL, &r.Reason, &r.ExecutedAt); err != nil {
			return nil, dbErr("scan transaction", err)
		}
		r.Side = models.OrderSide(side)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate transactions", err)
	}
	return out, nil
}

// ============================================================================
// Daily snapshots
// ============================================================================

const snapshotColumns = "date, cash, holdings_value, total_equity, daily_pnl, daily_return, peak_equity, drawdown, position_count, broker_cash, broker_equity, discrepancy, created_at"

// RecordSnapshot inserts or replaces the snapshot for its date.
func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap models.DailySnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.Date.Format(DateLayout), snap.Cash, snap.HoldingsValue, snap.TotalEquity, snap.DailyPnL,
		snap.DailyReturn, snap.PeakEquity, snap.Drawdown, snap.PositionCount, snap.BrokerCash,
		snap.BrokerEquity, snap.Discrepancy, snap.CreatedAt.UTC())
	if err != nil {
		return dbErr("record snapshot", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (models.DailySnapshot, error) {
	var snap models.DailySnapshot
	var date string
	err := row.Scan(&date, &snap.Cash, &snap.HoldingsValue, &snap.TotalEquity, &snap.DailyPnL,
		&snap.DailyReturn, &snap.PeakEquity, &snap.Drawdown, &snap.PositionCount, &snap.BrokerCash,
		&snap.BrokerEquity, &snap.Discrepancy, &snap.CreatedAt)
	if err != nil {
		return snap, err
	}
	snap.Date, err = time.Parse(DateLayout, date)
	return snap, err
}

// Snapshots returns the snapshots dated within [from, to], oldest first.
func (s *SQLiteStore) Snapshots(ctx context.Context, from, to time.Time) ([]models.DailySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM daily_snapshots
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC
	`, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return nil, dbErr("query snapshots", err)
	}
	defer rows.Close()

	var out []models.DailySnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, dbErr("scan snapshot", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate snapshots", err)
	}
	return out, nil
}

func (s *SQLiteStore) oneSnapshot(ctx context.Context, where string, args ...interface{}) (*models.DailySnapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM daily_snapshots "+where, args...)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("query snapshot", err)
	}
	return &snap, nil
}

// LatestSnapshot returns the most recent snapshot, or nil when there is none.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*models.DailySnapshot, error) {
	return s.oneSnapshot(ctx, "ORDER BY date DESC LIMIT 1")
}

// SnapshotOn returns the snapshot for date, or nil.
func (s *SQLiteStore) SnapshotOn(ctx context.Context, date time.Time) (*models.DailySnapshot, error) {
	return s.oneSnapshot(ctx, "WHERE date = ?", date.Format(DateLayout))
}

// EquityBefore returns the closing equity of the last snapshot strictly
// before date. It is the starting equity of a period beginning on date.
func (s *SQLiteStore) EquityBefore(ctx context.Context, date time.Time) (float64, bool, error) {
	snap, err := s.oneSnapshot(ctx, "WHERE date < ? ORDER BY date DESC LIMIT 1", date.Format(DateLayout))
	if err != nil || snap == nil {
		return 0, false, err
	}
	return snap.TotalEquity, true, nil
}

// ============================================================================
// Screening audit
// ============================================================================

// RecordScreening stores a run and every scored symbol in one transaction.
func (s *SQLiteStore) RecordScreening(ctx context.Context, result *models.ScreeningResult) error {
	if result == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin screening", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO screening_runs (run_id, universe_size, filtered_count, selected_count, elapsed_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, result.RunID, result.UniverseSize, result.FilteredCount, len(result.Selected),
		result.Elapsed.Nanoseconds(), result.Timestamp.UTC())
	if err != nil {
		return dbErr("insert screening run", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO screening_scores (run_id, symbol, name, sector, value_score, momentum_score, quality_score,
			composite, passed, filter_reason, rank, last_price, atr, market_cap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return dbErr("prepare screening scores", err)
	}
	defer stmt.Close()

	for _, group := range [][]models.CompositeScore{result.Selected, result.Rejected} {
		for _, sc := range group {
			passed := 0
			if sc.Passed {
				passed = 1
			}
			if _, err := stmt.ExecContext(ctx, result.RunID, sc.Symbol, sc.Name, sc.Sector, sc.Value, sc.Momentum,
				sc.Quality, sc.Composite, passed, sc.FilterReason, sc.Rank, sc.LastPrice, sc.ATR, sc.MarketCap); err != nil {
				return dbErr("insert screening score", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return dbErr("commit screening", err)
	}
	return nil
}

// LatestScreening rebuilds the most recent run, or returns nil when none
// was recorded. Selected scores come back in rank order.
func (s *SQLiteStore) LatestScreening(ctx context.Context) (*models.ScreeningResult, error) {
	res := &models.ScreeningResult{}
	var elapsed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, universe_size, filtered_count, elapsed_ns, created_at
		FROM screening_runs ORDER BY created_at DESC LIMIT 1
	`).Scan(&res.RunID, &res.UniverseSize, &res.FilteredCount, &elapsed, &res.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("query screening run", err)
	}
	res.Elapsed = time.Duration(elapsed)

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, name, sector, value_score, momentum_score, quality_score, composite, passed,
			filter_reason, rank, last_price, atr, market_cap
		FROM screening_scores WHERE run_id = ?
		ORDER BY passed DESC, CASE WHEN rank = 0 THEN 1 ELSE 0 END, rank ASC, symbol ASC
	`, res.RunID)
	if err != nil {
		return nil, dbErr("query screening scores", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc models.CompositeScore
		var passed int
		if err := rows.Scan(&sc.Symbol, &sc.Name, &sc.Sector, &sc.Value, &sc.Momentum, &sc.Quality,
			&sc.Composite, &passed, &sc.FilterReason, &sc.Rank, &sc.LastPrice, &sc.ATR, &sc.MarketCap); err != nil {
			return nil, dbErr("scan screening score", err)
		}
		sc.Passed = passed == 1
		if sc.Rank > 0 {
			res.Selected = append(res.Selected, sc)
		} else {
			res.Rejected = append(res.Rejected, sc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate screening scores", err)
	}
	return res, nil
}

// ============================================================================
// Candle cache
// ============================================================================

// SaveCandles stores daily bars for symbol and records that the range
// starting at coveredFrom was synced at syncedAt.
func (s *SQLiteStore) SaveCandles(ctx context.Context, symbol string, candles []models.Candle, coveredFrom, syncedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin candles", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return dbErr("prepare candles", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return dbErr("insert candle", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO candle_sync (symbol, covered_from, synced_at) VALUES (?, ?, ?)
	`, symbol, coveredFrom.UTC(), syncedAt.UTC())
	if err != nil {
		return dbErr("mark candle sync", err)
	}

	if err := tx.Commit(); err != nil {
		return dbErr("commit candles", err)
	}
	return nil
}

// GetCandles returns cached bars for symbol within [from, to], oldest first.
func (s *SQLiteStore) GetCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, dbErr("query candles", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, dbErr("scan candle", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate candles", err)
	}
	return candles, nil
}

// CandleSync reports when symbol was last synced and from which date the
// cache is complete. ok is false when symbol was never synced.
func (s *SQLiteStore) CandleSync(ctx context.Context, symbol string) (coveredFrom, syncedAt time.Time, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT covered_from, synced_at FROM candle_sync WHERE symbol = ?
	`, symbol).Scan(&coveredFrom, &syncedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, time.Time{}, false, dbErr("query candle sync", err)
	}
	return coveredFrom, syncedAt, true, nil
}
