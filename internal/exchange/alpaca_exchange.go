package exchange

import (
	"context"
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultPollInterval = 500 * time.Millisecond

// tradingAPI is the part of *alpaca.Client the adapter uses.
type tradingAPI interface {
	GetClock() (*alpaca.Clock, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetPositions() ([]alpaca.Position, error)
}

// barsAPI is the part of *marketdata.Client the adapter uses.
type barsAPI interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaMarketData serves historical bars from the Alpaca data API.
type AlpacaMarketData struct {
	client barsAPI
	feed   marketdata.Feed
	now    func() time.Time
}

// NewAlpacaMarketData creates a market data source. feed is "iex" or "sip".
func NewAlpacaMarketData(apiKey, apiSecret, feed string) *AlpacaMarketData {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	return &AlpacaMarketData{client: client, feed: parseFeed(feed), now: time.Now}
}

// GetHistoricalBars implements the bar half of Exchange.
func (m *AlpacaMarketData) GetHistoricalBars(ctx context.Context, symbol, barSize string, lookback int) ([]Bar, error) {
	tf, step, err := parseBarSize(barSize)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := m.now()
	raw, err := m.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     end.Add(-lookbackWindow(step, lookback)),
		End:       end,
		Feed:      m.feed,
	})
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity) {
			return nil, fmt.Errorf("bars %s: %w: %s", symbol, ErrNoData, apiErr.Message)
		}
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("bars %s: %w", symbol, ErrNoData)
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].Timestamp.Before(raw[j].Timestamp) })
	if len(raw) > lookback {
		raw = raw[len(raw)-lookback:]
	}
	bars := make([]Bar, len(raw))
	for i, b := range raw {
		bars[i] = Bar{Timestamp: b.Timestamp, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	return bars, nil
}

// AlpacaExchange routes orders to Alpaca and waits for their fills.
type AlpacaExchange struct {
	*AlpacaMarketData
	trading      tradingAPI
	logger       *zap.Logger
	pollInterval time.Duration
}

// NewAlpacaExchange creates the live venue. baseURL selects paper or live
// trading on the Alpaca side.
func NewAlpacaExchange(apiKey, apiSecret, baseURL, feed string, logger *zap.Logger) *AlpacaExchange {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return &AlpacaExchange{
		AlpacaMarketData: NewAlpacaMarketData(apiKey, apiSecret, feed),
		trading:          trading,
		logger:           logger,
		pollInterval:     defaultPollInterval,
	}
}

// GetPositions lists the account's open positions, sorted by symbol.
// Fractional quantities are truncated to whole shares.
func (e *AlpacaExchange) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := e.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	out := make([]VenuePosition, 0, len(raw))
	for _, p := range raw {
		out = append(out, VenuePosition{
			Symbol:        p.Symbol,
			Quantity:      int(p.Qty.IntPart()),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// PlaceOrder submits a market order and polls it until it fills, is refused
// or ctx expires. An expired order is cancelled; whatever filled before the
// cancel is still reported as a fill.
func (e *AlpacaExchange) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if req.Quantity <= 0 {
		return Fill{}, &RejectedError{Reason: ReasonRejected, Detail: "quantity must be positive"}
	}

	clock, err := e.trading.GetClock()
	if err != nil {
		return Fill{}, fmt.Errorf("get clock: %w", err)
	}
	if !clock.IsOpen {
		return Fill{}, &RejectedError{Reason: ReasonMarketClosed, Detail: "next open " + clock.NextOpen.Format(time.RFC3339)}
	}

	qty := decimal.NewFromInt(int64(req.Quantity))
	order, err := e.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          toAlpacaSide(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		if isDuplicateClientOrderID(err) {
			// an earlier attempt reached the venue
			order, err = e.trading.GetOrderByClientOrderID(req.ClientOrderID)
			if err != nil {
				return Fill{}, fmt.Errorf("lookup %s: %w", req.ClientOrderID, err)
			}
		} else {
			return Fill{}, classifyOrderError(err)
		}
	}

	e.logger.Info("order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int("qty", req.Quantity),
		zap.String("order_id", order.ID),
		zap.String("client_order_id", req.ClientOrderID),
	)
	return e.awaitFill(ctx, order)
}

func (e *AlpacaExchange) awaitFill(ctx context.Context, order *alpaca.Order) (Fill, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		switch strings.ToLower(string(order.Status)) {
		case "filled":
			return toFill(order), nil
		case "canceled", "expired", "rejected", "suspended":
			if order.FilledQty.IsPositive() {
				return toFill(order), nil
			}
			return Fill{}, &RejectedError{Reason: ReasonRejected, Detail: "order " + string(order.Status)}
		}

		select {
		case <-ctx.Done():
			return e.cancelPending(order)
		case <-ticker.C:
		}

		next, err := e.trading.GetOrder(order.ID)
		if err != nil {
			e.logger.Warn("order poll failed", zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		order = next
	}
}

func (e *AlpacaExchange) cancelPending(order *alpaca.Order) (Fill, error) {
	if err := e.trading.CancelOrder(order.ID); err != nil {
		e.logger.Error("cancel of unfilled order failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	// the order may have filled between the last poll and the cancel
	if final, err := e.trading.GetOrder(order.ID); err == nil {
		order = final
	}
	if order.FilledQty.IsPositive() {
		return toFill(order), nil
	}
	return Fill{}, fmt.Errorf("order %s %s: %w", order.ID, order.Symbol, ErrOrderPending)
}

func toFill(order *alpaca.Order) Fill {
	fill := Fill{
		OrderID:  order.ID,
		Quantity: int(order.FilledQty.IntPart()),
	}
	if order.FilledAvgPrice != nil {
		fill.Price = order.FilledAvgPrice.InexactFloat64()
	}
	if order.FilledAt != nil {
		fill.Timestamp = *order.FilledAt
	} else {
		fill.Timestamp = order.UpdatedAt
	}
	return fill
}

func toAlpacaSide(side models.Side) alpaca.Side {
	if side == models.Sell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func isDuplicateClientOrderID(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
}

// classifyOrderError maps Alpaca API errors to rejections. Anything else is
// left for the retrying layer to treat as transient.
func classifyOrderError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.StatusCode == http.StatusForbidden || strings.Contains(msg, "insufficient"):
		return &RejectedError{Reason: ReasonInsufficientFunds, Detail: apiErr.Message}
	case apiErr.StatusCode == http.StatusNotFound || strings.Contains(msg, "asset") || strings.Contains(msg, "symbol"):
		return &RejectedError{Reason: ReasonInvalidSymbol, Detail: apiErr.Message}
	case strings.Contains(msg, "market") && strings.Contains(msg, "closed"):
		return &RejectedError{Reason: ReasonMarketClosed, Detail: apiErr.Message}
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests:
		return &RejectedError{Reason: ReasonRejected, Detail: apiErr.Message}
	}
	return err
}

func parseFeed(feed string) marketdata.Feed {
	switch strings.ToLower(feed) {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}

// parseBarSize understands "<n>Min", "<n>Hour" and "<n>Day".
func parseBarSize(barSize string) (marketdata.TimeFrame, time.Duration, error) {
	units := []struct {
		suffix string
		unit   marketdata.TimeFrameUnit
		step   time.Duration
	}{
		{"Min", marketdata.Min, time.Minute},
		{"Hour", marketdata.Hour, time.Hour},
		{"Day", marketdata.Day, 24 * time.Hour},
	}
	for _, u := range units {
		if !strings.HasSuffix(barSize, u.suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(barSize, u.suffix))
		if err != nil || n < 1 {
			break
		}
		return marketdata.NewTimeFrame(n, u.unit), time.Duration(n) * u.step, nil
	}
	return marketdata.TimeFrame{}, 0, fmt.Errorf("unsupported bar size %q", barSize)
}

// lookbackWindow is wide enough to hold lookback bars across weekends,
// holidays and closed sessions.
func lookbackWindow(step time.Duration, lookback int) time.Duration {
	window := step * time.Duration(lookback)
	if step >= 24*time.Hour {
		return window*2 + 10*24*time.Hour
	}
	// intraday bars only exist for 6.5 of every 24 hours
	return window*4 + 4*24*time.Hour
}
