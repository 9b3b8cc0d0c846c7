package exchange

import (
	"context"
	"equity-signal-bot-go/internal/models"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedExchange returns queued errors before succeeding.
type scriptedExchange struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	requests  []OrderRequest
	deadlines []bool
	fill      Fill
	bars      []Bar
}

func (s *scriptedExchange) next(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	_, hasDeadline := ctx.Deadline()
	s.deadlines = append(s.deadlines, hasDeadline)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedExchange) GetHistoricalBars(ctx context.Context, symbol, barSize string, lookback int) ([]Bar, error) {
	if err := s.next(ctx); err != nil {
		return nil, err
	}
	return s.bars, nil
}

func (s *scriptedExchange) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if err := s.next(ctx); err != nil {
		return Fill{}, err
	}
	return s.fill, nil
}

type countingObserver struct{ retries map[string]int }

func (c *countingObserver) VenueRetry(op string) { c.retries[op]++ }

func newRetrying(next Exchange, attempts int) (*RetryingExchange, *countingObserver, *[]time.Duration) {
	obs := &countingObserver{retries: map[string]int{}}
	r := NewRetryingExchange(next, RetryPolicy{
		Attempts:     attempts,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		CallTimeout:  10 * time.Second,
	}, zap.NewNop(), obs)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, obs, &slept
}

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	next := &scriptedExchange{
		errs: []error{context.DeadlineExceeded, errors.New("connection reset")},
		fill: Fill{OrderID: "o-1", Price: 42.21, Quantity: 23},
	}
	r, obs, slept := newRetrying(next, 3)

	req := OrderRequest{Symbol: "CE", Side: models.Buy, Quantity: 23, Type: Market, ClientOrderID: "buy-ce-abc"}
	fill, err := r.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "o-1", fill.OrderID)
	assert.Equal(t, 3, next.calls)
	assert.Len(t, *slept, 2)
	assert.Equal(t, 2, obs.retries["place_order"])
	for _, sent := range next.requests {
		assert.Equal(t, "buy-ce-abc", sent.ClientOrderID, "client order id is reused")
	}
	for _, d := range next.deadlines {
		assert.True(t, d, "every attempt carries a deadline")
	}
}

func TestRetrying_ExhaustsBudget(t *testing.T) {
	cause := errors.New("503 service unavailable")
	next := &scriptedExchange{errs: []error{cause, cause, cause, cause}}
	r, _, slept := newRetrying(next, 3)

	_, err := r.GetHistoricalBars(context.Background(), "AAPL", "1Day", 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, next.calls)
	assert.Len(t, *slept, 2)
}

func TestRetrying_DefinitiveErrorsAreNotRetried(t *testing.T) {
	for name, cause := range map[string]error{
		"rejected": &RejectedError{Reason: ReasonInsufficientFunds},
		"no data":  ErrNoData,
		"pending":  ErrOrderPending,
	} {
		t.Run(name, func(t *testing.T) {
			next := &scriptedExchange{errs: []error{cause}}
			r, _, _ := newRetrying(next, 3)

			_, err := r.PlaceOrder(context.Background(), OrderRequest{Symbol: "CE", Quantity: 1})
			assert.ErrorIs(t, err, cause)
			assert.NotErrorIs(t, err, ErrRetriesExhausted)
			assert.Equal(t, 1, next.calls)
		})
	}
}

func TestIsRejected(t *testing.T) {
	reason, ok := IsRejected(errors.Join(errors.New("ctx"), &RejectedError{Reason: ReasonMarketClosed}))
	assert.True(t, ok)
	assert.Equal(t, ReasonMarketClosed, reason)

	_, ok = IsRejected(errors.New("other"))
	assert.False(t, ok)
}

func TestNewClientOrderID(t *testing.T) {
	a := NewClientOrderID(models.Buy, "CE")
	b := NewClientOrderID(models.Buy, "CE")

	assert.Regexp(t, regexp.MustCompile(`^buy-ce-[0-9A-Za-z]+$`), a)
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, len(a), 48, "alpaca caps client order ids at 48 chars")
}

// staticBars serves fixed closes per symbol.
type staticBars map[string][]float64

func (s staticBars) GetHistoricalBars(ctx context.Context, symbol, barSize string, lookback int) ([]Bar, error) {
	closes, ok := s[symbol]
	if !ok {
		return nil, ErrNoData
	}
	if len(closes) > lookback {
		closes = closes[len(closes)-lookback:]
	}
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{Close: c}
	}
	return bars, nil
}

func TestPaperExchange_BuyAndSell(t *testing.T) {
	paper := NewPaperExchange(staticBars{"CE": {40, 41, 42.21}}, "1Day", 1000, nil)

	fill, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "CE", Side: models.Buy, Quantity: 23, ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 42.21, fill.Price)
	assert.Equal(t, 23, fill.Quantity)
	assert.InDelta(t, 1000-23*42.21, paper.Cash(), 1e-9)
	assert.Equal(t, 23, paper.Holding("CE"))

	again, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "CE", Side: models.Buy, Quantity: 23, ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, fill, again, "duplicate client order id returns the first fill")
	assert.Equal(t, 23, paper.Holding("CE"))

	_, err = paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "CE", Side: models.Sell, Quantity: 23, ClientOrderID: "c2"})
	require.NoError(t, err)
	assert.InDelta(t, 1000, paper.Cash(), 1e-9)
	assert.Zero(t, paper.Holding("CE"))

	positions, err := paper.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "a closed holding is not listed")
}

func TestPaperExchange_Rejections(t *testing.T) {
	paper := NewPaperExchange(staticBars{"CE": {42.21}}, "1Day", 100, map[string]int{"AIV": 1})

	_, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "CE", Side: models.Buy, Quantity: 3})
	reason, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInsufficientFunds, reason)

	_, err = paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "ZZZZ", Side: models.Buy, Quantity: 1})
	reason, _ = IsRejected(err)
	assert.Equal(t, ReasonInvalidSymbol, reason)

	_, err = paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "CE", Side: models.Sell, Quantity: 1})
	reason, _ = IsRejected(err)
	assert.Equal(t, ReasonRejected, reason)

	assert.InDelta(t, 100, paper.Cash(), 1e-9)
	positions, err := paper.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []VenuePosition{{Symbol: "AIV", Quantity: 1}}, positions)
}
