package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// AlpacaSource reads the exchange calendar from the Alpaca trading API,
// which includes early closes.
type AlpacaSource struct {
	client *alpaca.Client
}

// NewAlpacaSource creates a calendar source backed by Alpaca.
func NewAlpacaSource(apiKey, apiSecret, baseURL string) *AlpacaSource {
	return &AlpacaSource{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Sessions implements Source.
func (s *AlpacaSource) Sessions(ctx context.Context, from, to time.Time) ([]DaySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	days, err := s.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: from,
		End:   to,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}

	out := make([]DaySession, 0, len(days))
	for _, d := range days {
		out = append(out, DaySession{Date: d.Date, Open: d.Open, Close: d.Close})
	}
	return out, nil
}
