// Package store provides the SQLite ledger: executed transactions, daily
// account snapshots, screening audits and a daily candle cache.
package store

import (
	"context"
	"time"

	"factor-trader/internal/models"
)

// DateLayout is how snapshot dates are keyed.
const DateLayout = "2006-01-02"

// Ledger is the persistence surface the engine and CLI use.
type Ledger interface {
	// Transactions
	RecordTransaction(ctx context.Context, rec models.TransactionRecord) error
	Transactions(ctx context.Context, filter TransactionFilter) ([]models.TransactionRecord, error)

	// Daily snapshots
	RecordSnapshot(ctx context.Context, snap models.DailySnapshot) error
	Snapshots(ctx context.Context, from, to time.Time) ([]models.DailySnapshot, error)
	LatestSnapshot(ctx context.Context) (*models.DailySnapshot, error)
	SnapshotOn(ctx context.Context, date time.Time) (*models.DailySnapshot, error)
	EquityBefore(ctx context.Context, date time.Time) (float64, bool, error)

	// Screening audit
	RecordScreening(ctx context.Context, result *models.ScreeningResult) error
	LatestScreening(ctx context.Context) (*models.ScreeningResult, error)

	// Lifecycle
	Close() error
}

// TransactionFilter narrows a transaction query. Zero values match all.
type TransactionFilter struct {
	Symbol string
	From   time.Time
	To     time.Time
	Limit  int
}

var _ Ledger = (*SQLiteStore)(nil)
