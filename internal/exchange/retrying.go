package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// RetryPolicy bounds the retries of a single venue call.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	CallTimeout  time.Duration
}

// RetryObserver is told about every retried attempt.
type RetryObserver interface {
	VenueRetry(op string)
}

// RetryingExchange decorates an Exchange with a per-attempt deadline and
// bounded exponential backoff. Rejections, ErrNoData and ErrOrderPending are
// definitive and returned at once.
type RetryingExchange struct {
	next     Exchange
	policy   RetryPolicy
	logger   *zap.Logger
	observer RetryObserver
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetryingExchange wraps next. observer may be nil.
func NewRetryingExchange(next Exchange, policy RetryPolicy, logger *zap.Logger, observer RetryObserver) *RetryingExchange {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &RetryingExchange{
		next:     next,
		policy:   policy,
		logger:   logger,
		observer: observer,
		sleep:    sleepContext,
	}
}

// GetHistoricalBars implements Exchange.
func (r *RetryingExchange) GetHistoricalBars(ctx context.Context, symbol, barSize string, lookback int) ([]Bar, error) {
	var bars []Bar
	err := r.do(ctx, "get_bars", symbol, func(callCtx context.Context) error {
		var err error
		bars, err = r.next.GetHistoricalBars(callCtx, symbol, barSize, lookback)
		return err
	})
	return bars, err
}

// PlaceOrder implements Exchange. The request, including its client order id,
// is resent unchanged on every attempt.
func (r *RetryingExchange) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	var fill Fill
	err := r.do(ctx, "place_order", req.Symbol, func(callCtx context.Context) error {
		var err error
		fill, err = r.next.PlaceOrder(callCtx, req)
		return err
	})
	return fill, err
}

func (r *RetryingExchange) do(ctx context.Context, op, symbol string, call func(context.Context) error) error {
	b := &backoff.Backoff{
		Min:    r.policy.InitialDelay,
		Max:    r.policy.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		callCtx, cancel := r.attemptContext(ctx)
		lastErr = call(callCtx)
		cancel()

		if lastErr == nil || !Transient(lastErr) {
			return lastErr
		}
		if attempt == r.policy.Attempts {
			break
		}

		delay := b.Duration()
		r.logger.Warn("venue call failed, retrying",
			zap.String("op", op),
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if r.observer != nil {
			r.observer.VenueRetry(op)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s %s: %w", op, symbol, err)
		}
	}
	return fmt.Errorf("%s %s after %d attempts: %w: %w", op, symbol, r.policy.Attempts, ErrRetriesExhausted, lastErr)
}

func (r *RetryingExchange) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.CallTimeout)
}

// Transient reports whether err is worth retrying: anything that is not a
// rejection, missing data, an unfilled order or a cancellation of the caller.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := IsRejected(err); ok {
		return false
	}
	if errors.Is(err, ErrNoData) || errors.Is(err, ErrOrderPending) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
