// Package state persists the engine's positions, order queues and schedule
// markers in a single JSON document.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"factor-trader/internal/errors"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
	"factor-trader/internal/risk"
)

// DateLayout keys per-day markers.
const DateLayout = "2006-01-02"

// MonthLayout keys monthly rebalance markers.
const MonthLayout = "2006-01"

const currentVersion = 1

// Emergency is the persisted emergency-stop flag.
type Emergency struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// EngineState is the on-disk document.
type EngineState struct {
	Version                  int                   `json:"version"`
	Positions                []models.Position     `json:"positions"`
	PendingOrders            []models.PendingOrder `json:"pendingOrders"`
	FailedOrders             []models.PendingOrder `json:"failedOrders"`
	PermanentlyFailedOrders  []models.PendingOrder `json:"permanentlyFailedOrders"`
	Cash                     float64               `json:"cash"`
	LastScreeningDate        string                `json:"lastScreeningDate,omitempty"`
	LastRebalanceDate        string                `json:"lastRebalanceDate,omitempty"`
	LastRebalanceMonth       string                `json:"lastRebalanceMonth,omitempty"`
	LastUrgentRebalanceMonth string                `json:"lastUrgentRebalanceMonth,omitempty"`
	FiredPhases              map[string][]string   `json:"firedPhases"`
	Emergency                Emergency             `json:"emergency"`
	Risk                     risk.State            `json:"risk"`
	UpdatedAt                time.Time             `json:"updatedAt"`
}

// LoadReport describes how the state file was loaded.
type LoadReport struct {
	Fresh      bool
	Recovered  bool
	BackupPath string
	Err        error
	StaleTemps []string
}

// Store owns the engine state. Locks are always taken in the order
// flush -> positions -> orders.
type Store struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time

	// flushMu serializes writes and guards the schedule markers and flags.
	flushMu                  sync.Mutex
	lastScreeningDate        string
	lastRebalanceDate        string
	lastRebalanceMonth       string
	lastUrgentRebalanceMonth string
	fired                    map[string]map[string]bool
	emergency                Emergency
	riskState                risk.State

	posMu     sync.RWMutex
	positions map[string]*models.Position
	cash      float64

	orderMu   sync.Mutex
	pending   []models.PendingOrder
	failed    []models.PendingOrder
	permanent []models.PendingOrder

	screening sync.Mutex
}

// Open loads the state at path. A corrupt file is moved aside and a fresh
// state is returned together with a report describing the recovery.
func Open(path string, logger zerolog.Logger) (*Store, LoadReport) {
	s := &Store{
		path:      path,
		logger:    logging.WithComponent(logger, "state"),
		now:       time.Now,
		fired:     make(map[string]map[string]bool),
		positions: make(map[string]*models.Position),
	}
	report := s.load()
	return s, report
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) load() LoadReport {
	var report LoadReport
	report.StaleTemps = removeStaleTemps(s.path)
	for _, t := range report.StaleTemps {
		s.logger.Warn().Str("file", t).Msg("Removed leftover temp file from interrupted write")
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		report.Fresh = true
		s.logger.Info().Str("path", s.path).Msg("No state file, starting fresh")
		return report
	}
	if err == nil {
		var doc EngineState
		if err = json.Unmarshal(data, &doc); err == nil {
			s.apply(doc)
			s.logger.Info().
				Str("path", s.path).
				Int("positions", len(doc.Positions)).
				Int("pending", len(doc.PendingOrders)).
				Int("failed", len(doc.FailedOrders)).
				Msg("State loaded")
			return report
		}
	}

	report.Fresh = true
	report.Recovered = true
	report.Err = errors.Wrap(fmt.Errorf("%w: %v", errors.ErrStateCorrupt, err), "loading state")
	backup := s.path + ".backup." + s.now().Format("20060102-150405")
	if cerr := copyFile(s.path, backup); cerr != nil {
		s.logger.Error().Err(cerr).Msg("Failed to back up corrupt state file")
	} else {
		report.BackupPath = backup
	}
	s.logger.Error().
		Err(err).
		Str("backup", report.BackupPath).
		Msg("State file unreadable, starting fresh")
	return report
}

func (s *Store) apply(doc EngineState) {
	for i := range doc.Positions {
		p := doc.Positions[i]
		if p.Symbol == "" || p.Quantity <= 0 {
			continue
		}
		s.positions[p.Symbol] = &p
	}
	s.cash = doc.Cash
	s.pending = doc.PendingOrders
	s.failed = doc.FailedOrders
	s.permanent = doc.PermanentlyFailedOrders
	s.lastScreeningDate = doc.LastScreeningDate
	s.lastRebalanceDate = doc.LastRebalanceDate
	s.lastRebalanceMonth = doc.LastRebalanceMonth
	s.lastUrgentRebalanceMonth = doc.LastUrgentRebalanceMonth
	s.emergency = doc.Emergency
	s.riskState = doc.Risk
	for date, phases := range doc.FiredPhases {
		m := make(map[string]bool, len(phases))
		for _, p := range phases {
			m[p] = true
		}
		s.fired[date] = m
	}
}

// Snapshot copies the whole state.
func (s *Store) Snapshot() EngineState {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() EngineState {
	doc := EngineState{
		Version:                  currentVersion,
		LastScreeningDate:        s.lastScreeningDate,
		LastRebalanceDate:        s.lastRebalanceDate,
		LastRebalanceMonth:       s.lastRebalanceMonth,
		LastUrgentRebalanceMonth: s.lastUrgentRebalanceMonth,
		FiredPhases:              make(map[string][]string, len(s.fired)),
		Emergency:                s.emergency,
		Risk:                     s.riskState,
		UpdatedAt:                s.now(),
	}
	for date, phases := range s.fired {
		list := make([]string, 0, len(phases))
		for p := range phases {
			list = append(list, p)
		}
		sort.Strings(list)
		doc.FiredPhases[date] = list
	}

	s.posMu.RLock()
	doc.Positions = s.positionsLocked()
	doc.Cash = s.cash
	s.posMu.RUnlock()

	s.orderMu.Lock()
	doc.PendingOrders = append([]models.PendingOrder{}, s.pending...)
	doc.FailedOrders = append([]models.PendingOrder{}, s.failed...)
	doc.PermanentlyFailedOrders = append([]models.PendingOrder{}, s.permanent...)
	s.orderMu.Unlock()

	return doc
}

// Save writes the state atomically.
func (s *Store) Save() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	doc := s.snapshotLocked()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return errors.Wrap(err, "saving state")
	}
	s.logger.Debug().Str("path", s.path).Msg("State saved")
	return nil
}

// ReadFile decodes a state file without taking ownership of it.
func ReadFile(path string) (*EngineState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc EngineState
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStateCorrupt, err)
	}
	return &doc, nil
}

// TryLockScreening acquires the screening lock without blocking.
func (s *Store) TryLockScreening() bool {
	return s.screening.TryLock()
}

// UnlockScreening releases the screening lock.
func (s *Store) UnlockScreening() {
	s.screening.Unlock()
}
