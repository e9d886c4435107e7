package state

import (
	"time"

	"factor-trader/internal/risk"
)

// PhaseFired reports whether phase already ran on date.
func (s *Store) PhaseFired(date, phase string) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.fired[date][phase]
}

// MarkPhaseFired records that phase ran on date.
func (s *Store) MarkPhaseFired(date, phase string) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	m, ok := s.fired[date]
	if !ok {
		m = make(map[string]bool)
		s.fired[date] = m
	}
	m[phase] = true
}

// PruneFired drops markers for dates before keepFrom.
func (s *Store) PruneFired(keepFrom string) int {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	n := 0
	for date := range s.fired {
		if date < keepFrom {
			delete(s.fired, date)
			n++
		}
	}
	return n
}

// RebalanceMarkers holds the screening and rebalance bookkeeping.
type RebalanceMarkers struct {
	LastScreeningDate        string `json:"last_screening_date,omitempty"`
	LastRebalanceDate        string `json:"last_rebalance_date,omitempty"`
	LastRebalanceMonth       string `json:"last_rebalance_month,omitempty"`
	LastUrgentRebalanceMonth string `json:"last_urgent_rebalance_month,omitempty"`
}

// Markers returns the rebalance bookkeeping.
func (s *Store) Markers() RebalanceMarkers {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return RebalanceMarkers{
		LastScreeningDate:        s.lastScreeningDate,
		LastRebalanceDate:        s.lastRebalanceDate,
		LastRebalanceMonth:       s.lastRebalanceMonth,
		LastUrgentRebalanceMonth: s.lastUrgentRebalanceMonth,
	}
}

// MarkScreened records the screening date.
func (s *Store) MarkScreened(date string) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.lastScreeningDate = date
}

// MarkRebalanced records an executed rebalance. urgent marks a rebalance
// forced by an empty portfolio.
func (s *Store) MarkRebalanced(date time.Time, urgent bool) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.lastRebalanceDate = date.Format(DateLayout)
	s.lastRebalanceMonth = date.Format(MonthLayout)
	if urgent {
		s.lastUrgentRebalanceMonth = date.Format(MonthLayout)
	}
}

// Emergency returns the emergency flag.
func (s *Store) Emergency() Emergency {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.emergency
}

// SetEmergency sets or clears the emergency flag.
func (s *Store) SetEmergency(e Emergency) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.emergency = e
}

// RiskState returns the persisted risk monitor state.
func (s *Store) RiskState() risk.State {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.riskState
}

// SetRiskState stores the risk monitor state for the next save.
func (s *Store) SetRiskState(r risk.State) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.riskState = r
}
