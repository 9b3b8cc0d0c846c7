package exchange

import (
	"context"
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

var (
	// ErrNoData means the venue has no bars for the request: the market is
	// closed, the symbol is unknown or the window is empty.
	ErrNoData = errors.New("no market data")
	// ErrOrderPending means the order did not fill before its deadline and
	// was cancelled. The ledger must not change.
	ErrOrderPending = errors.New("order not filled before deadline")
	// ErrRetriesExhausted wraps the last transient error once the retry
	// budget of a call is spent.
	ErrRetriesExhausted = errors.New("venue retries exhausted")
)

// Rejection reasons reported by venues.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonInvalidSymbol     = "invalid_symbol"
	ReasonMarketClosed      = "market_closed"
	ReasonRejected          = "rejected"
)

// RejectedError is a definitive refusal of an order. It is never retried.
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return "order rejected: " + e.Reason
	}
	return fmt.Sprintf("order rejected: %s: %s", e.Reason, e.Detail)
}

// IsRejected reports whether err carries a RejectedError and returns its reason.
func IsRejected(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Bar is one OHLCV bar.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
}

// Closes extracts the close prices of bars in order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// OrderType is the order type sent to the venue.
type OrderType string

const (
	Market OrderType = "market"
)

// OrderRequest is an order intent.
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Quantity      int
	Type          OrderType
	ClientOrderID string
}

// Fill is a confirmed execution.
type Fill struct {
	OrderID   string
	Price     float64
	Quantity  int
	Timestamp time.Time
}

// Exchange is the trading venue the engine talks to. Implementations bound
// every call by ctx.
type Exchange interface {
	// GetHistoricalBars returns up to lookback bars of size barSize, oldest first.
	GetHistoricalBars(ctx context.Context, symbol, barSize string, lookback int) ([]Bar, error)
	// PlaceOrder submits the order and waits for its fill.
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
}

// VenuePosition is a holding as the venue reports it.
type VenuePosition struct {
	Symbol        string
	Quantity      int
	AvgEntryPrice float64
}

// PositionLister is implemented by venues that can report their holdings.
type PositionLister interface {
	GetPositions(ctx context.Context) ([]VenuePosition, error)
}

// NewClientOrderID builds an idempotency key of the form
// <side>-<symbol>-<base62 uuid>. Callers reuse it across retries of the same
// intent so the venue can de-duplicate.
func NewClientOrderID(side models.Side, symbol string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%s-%s", strings.ToLower(string(side)), strings.ToLower(symbol), base62.EncodeToString(id[:]))
}
