package models

import "time"

// RiskLevel grades a risk alert.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	}
	return "NONE"
}

// MarshalText renders the level by name in JSON.
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *RiskLevel) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LOW":
		*l = RiskLow
	case "MEDIUM":
		*l = RiskMedium
	case "HIGH":
		*l = RiskHigh
	case "CRITICAL":
		*l = RiskCritical
	default:
		*l = 0
	}
	return nil
}

// Risk alert types.
const (
	AlertDailyLoss       = "daily_loss"
	AlertWeeklyLoss      = "weekly_loss"
	AlertMonthlyLoss     = "monthly_loss"
	AlertDrawdown        = "max_drawdown"
	AlertCashRatio       = "cash_ratio"
	AlertPositionWeight  = "position_concentration"
	AlertSectorWeight    = "sector_concentration"
	AlertConsecutiveLoss = "consecutive_losses"
	AlertStateRecovered  = "state_recovered"
	AlertReconciliation  = "reconciliation"
	AlertEmergencyStop   = "emergency_stop"
)

// RiskAlert is a graded breach raised by the risk monitor.
type RiskAlert struct {
	Level     RiskLevel `json:"level"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol,omitempty"`
	Sector    string    `json:"sector,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
