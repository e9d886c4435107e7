package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
)

// KiteBroker implements Client for Zerodha Kite Connect. It trades delivery
// (CNC) equity on a single exchange.
type KiteBroker struct {
	client       *kiteconnect.Client
	exchange     string
	product      string
	tokenPath    string
	fillTimeout  time.Duration
	pollInterval time.Duration

	mu          sync.RWMutex
	accessToken string
	instruments map[string]int
}

// KiteConfig holds configuration for the Kite broker.
type KiteConfig struct {
	APIKey       string
	AccessToken  string
	Exchange     string
	Product      string
	TokenPath    string
	FillTimeout  time.Duration
	PollInterval time.Duration
}

// sessionData represents a persisted Kite session.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewKiteBroker creates a Kite broker. Without an explicit access token it
// loads the session saved in TokenPath.
func NewKiteBroker(cfg KiteConfig) *KiteBroker {
	kb := &KiteBroker{
		client:       kiteconnect.New(cfg.APIKey),
		exchange:     cfg.Exchange,
		product:      cfg.Product,
		tokenPath:    cfg.TokenPath,
		fillTimeout:  cfg.FillTimeout,
		pollInterval: cfg.PollInterval,
		instruments:  make(map[string]int),
	}
	if kb.exchange == "" {
		kb.exchange = "NSE"
	}
	if kb.product == "" {
		kb.product = kiteconnect.ProductCNC
	}
	if kb.pollInterval <= 0 {
		kb.pollInterval = time.Second
	}
	if kb.fillTimeout <= 0 {
		kb.fillTimeout = 30 * time.Second
	}

	if cfg.AccessToken != "" {
		kb.setToken(cfg.AccessToken)
	} else {
		_ = kb.loadSession()
	}
	return kb
}

// Name implements Client.
func (k *KiteBroker) Name() string {
	return "kite"
}

func (k *KiteBroker) setToken(token string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = token
	k.client.SetAccessToken(token)
}

func (k *KiteBroker) loadSession() error {
	if k.tokenPath == "" {
		return fmt.Errorf("no session file configured")
	}
	data, err := os.ReadFile(k.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// Kite tokens expire at 6 AM the next day
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("session expired")
	}

	k.setToken(session.AccessToken)
	return nil
}

func (k *KiteBroker) authenticated() error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.accessToken == "" {
		return errors.NewBrokerError(errors.CategoryAuth, "NO_SESSION", "kite access token missing or expired", errors.ErrNotAuthenticated)
	}
	return nil
}

func (k *KiteBroker) key(symbol string) string {
	return k.exchange + ":" + symbol
}

// GetPrice fetches the last traded price.
func (k *KiteBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := k.authenticated(); err != nil {
		return 0, err
	}

	quotes, err := k.client.GetQuote(k.key(symbol))
	if err != nil {
		return 0, classifyKiteError("get quote", err)
	}

	q, ok := quotes[k.key(symbol)]
	if !ok || q.LastPrice <= 0 {
		return 0, errors.NewBrokerError(errors.CategoryData, "NO_QUOTE", "quote not found for symbol: "+symbol, errors.ErrDataNotFound)
	}
	return q.LastPrice, nil
}

// GetDailyCandles fetches daily OHLCV data.
func (k *KiteBroker) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	if err := k.authenticated(); err != nil {
		return nil, err
	}

	token, err := k.instrumentToken(symbol)
	if err != nil {
		return nil, err
	}

	data, err := k.client.GetHistoricalData(token, "day", from, to, false, false)
	if err != nil {
		return nil, classifyKiteError("get historical data", err)
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Timestamp: d.Date.Time,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
		}
	}
	return candles, nil
}

func (k *KiteBroker) instrumentToken(symbol string) (int, error) {
	k.mu.RLock()
	token, ok := k.instruments[symbol]
	loaded := len(k.instruments) > 0
	k.mu.RUnlock()
	if ok {
		return token, nil
	}
	if loaded {
		return 0, errors.NewBrokerError(errors.CategoryData, "NO_INSTRUMENT", "instrument not found: "+symbol, errors.ErrSymbolNotFound)
	}

	instruments, err := k.client.GetInstrumentsByExchange(k.exchange)
	if err != nil {
		return 0, classifyKiteError("get instruments", err)
	}

	k.mu.Lock()
	for _, inst := range instruments {
		k.instruments[inst.Tradingsymbol] = inst.InstrumentToken
	}
	token, ok = k.instruments[symbol]
	k.mu.Unlock()

	if !ok {
		return 0, errors.NewBrokerError(errors.CategoryData, "NO_INSTRUMENT", "instrument not found: "+symbol, errors.ErrSymbolNotFound)
	}
	return token, nil
}

// PlaceOrder places a regular order and polls its history until it settles.
func (k *KiteBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := k.authenticated(); err != nil {
		return nil, err
	}

	params := kiteconnect.OrderParams{
		Exchange:        k.exchange,
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       kiteconnect.OrderTypeMarket,
		Product:         k.product,
		Quantity:        req.Quantity,
		Validity:        kiteconnect.ValidityDay,
		Tag:             kiteTag(req.ClientOrderID),
	}
	if req.Type == models.OrderTypeLimit && req.Price > 0 {
		params.OrderType = kiteconnect.OrderTypeLimit
		params.Price = req.Price
	}

	resp, err := k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, classifyKiteError("place order", err)
	}

	return k.awaitFill(ctx, resp.OrderID)
}

func (k *KiteBroker) awaitFill(ctx context.Context, orderID string) (*OrderResult, error) {
	deadline := time.Now().Add(k.fillTimeout)
	result := &OrderResult{OrderID: orderID}

	for {
		history, err := k.client.GetOrderHistory(orderID)
		if err != nil {
			if cerr := classifyKiteError("get order history", err); errors.IsFatal(cerr) {
				return nil, cerr
			}
			return k.cancel(orderID, result)
		}
		if done, err := kiteFinal(history, result); done {
			return result, err
		}

		if time.Now().After(deadline) {
			return k.cancel(orderID, result)
		}
		select {
		case <-ctx.Done():
			if res, err := k.cancel(orderID, result); err != nil {
				return res, err
			}
			return result, ctx.Err()
		case <-time.After(k.pollInterval):
		}
	}
}

// kiteFinal copies the latest history entry into result and reports whether
// the order reached a final state.
func kiteFinal(history []kiteconnect.Order, result *OrderResult) (bool, error) {
	if len(history) == 0 {
		return false, nil
	}
	last := history[len(history)-1]
	result.FilledQty = int(last.FilledQuantity)
	result.FilledPrice = last.AveragePrice
	result.Message = last.StatusMessage

	switch last.Status {
	case "COMPLETE":
		result.Success = true
		return true, nil
	case "REJECTED":
		return true, errors.NewBrokerError(errors.CategoryRejected, "REJECTED", last.StatusMessage, errors.ErrOrderRejected)
	case "CANCELLED":
		result.Success = result.FilledQty > 0
		return true, nil
	}
	return false, nil
}

// cancel withdraws a working order and waits for Kite to report it final.
// Partial fills that landed before the cancel stay in the result; an order
// that cannot be confirmed final yields a CategoryUnconfirmed error.
func (k *KiteBroker) cancel(orderID string, result *OrderResult) (*OrderResult, error) {
	_, lastErr := k.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)

	for i := 0; i < cancelPolls; i++ {
		history, err := k.client.GetOrderHistory(orderID)
		if err == nil {
			if done, ferr := kiteFinal(history, result); done {
				if ferr == nil && !result.Success {
					result.Message = "cancelled before filling"
				}
				return result, ferr
			}
		} else {
			lastErr = err
		}
		time.Sleep(k.pollInterval)
	}

	msg := "order " + orderID + " not final after cancel"
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	return result, errors.NewBrokerError(errors.CategoryUnconfirmed, "CANCEL_UNCONFIRMED", msg, errors.ErrOrderUnconfirmed)
}

// GetBalance combines equity margins with delivery holdings.
func (k *KiteBroker) GetBalance(ctx context.Context) (*models.Balance, error) {
	if err := k.authenticated(); err != nil {
		return nil, err
	}

	margins, err := k.client.GetUserMargins()
	if err != nil {
		return nil, classifyKiteError("get margins", err)
	}
	holdings, err := k.client.GetHoldings()
	if err != nil {
		return nil, classifyKiteError("get holdings", err)
	}

	bal := &models.Balance{Cash: margins.Equity.Available.Cash}
	for _, h := range holdings {
		pos := models.BrokerPosition{
			Symbol:       h.Tradingsymbol,
			Quantity:     int(h.Quantity),
			AveragePrice: h.AveragePrice,
			LastPrice:    h.LastPrice,
		}
		bal.HoldingsValue += pos.Value()
		bal.Positions = append(bal.Positions, pos)
	}
	bal.TotalEquity = bal.Cash + bal.HoldingsValue
	return bal, nil
}

// Kite tags are limited to 20 alphanumeric characters.
func kiteTag(id string) string {
	tag := strings.ReplaceAll(id, "-", "")
	if len(tag) > 20 {
		tag = tag[:20]
	}
	return tag
}

// classifyKiteError maps Kite exception types onto error categories.
func classifyKiteError(op string, err error) error {
	var kerr kiteconnect.Error
	if !stderrors.As(err, &kerr) {
		return errors.NewBrokerError(errors.Classify(err), "KITE", op, err)
	}

	var cat errors.Category
	switch kerr.ErrorType {
	case "TokenException", "PermissionException", "TwoFAException", "UserException":
		cat = errors.CategoryAuth
	case "NetworkException":
		cat = errors.CategoryConnection
	case "OrderException", "InputException", "MarginException", "HoldingException":
		cat = errors.CategoryRejected
	case "DataException":
		cat = errors.CategoryData
	default:
		cat = errors.CategoryFromStatus(kerr.Code)
		if cat == errors.CategoryUnknown {
			cat = errors.CategoryServer
		}
	}
	if kerr.Code == 429 {
		cat = errors.CategoryRateLimit
	}
	return errors.NewBrokerError(cat, kerr.ErrorType, op+": "+kerr.Message, err)
}

var _ Client = (*KiteBroker)(nil)
