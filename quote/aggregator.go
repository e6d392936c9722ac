// Package quote aggregates competing price quotes and selects the cheapest
// settlement route.
package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/types"
)

// Provider returns a quote for converting fiatAmount into targetAsset.
type Provider interface {
	Name() string
	GetQuote(ctx context.Context, fiatAmount decimal.Decimal, targetAsset string) (types.PriceQuote, error)
}

// Aggregator queries every registered provider concurrently.
type Aggregator struct {
	providers []Provider
	timeout   time.Duration
	log       logger.Logger
	metrics   metrics.Recorder
}

func NewAggregator(providers []Provider, timeout time.Duration, log logger.Logger, rec metrics.Recorder) *Aggregator {
	return &Aggregator{
		providers: providers,
		timeout:   timeout,
		log:       logger.OrNoop(log),
		metrics:   metrics.OrNoop(rec),
	}
}

type outcome struct {
	quote types.PriceQuote
	err   error
}

// BestQuote returns the quote with the lowest total cost among providers that
// answered. Ties keep the earliest registered provider, so the result does
// not depend on completion order.
func (a *Aggregator) BestQuote(ctx context.Context, fiatAmount decimal.Decimal, targetAsset string) (types.PriceQuote, error) {
	if !fiatAmount.IsPositive() {
		return types.PriceQuote{}, types.NewError(types.ErrInvalidRequest, "fiat amount must be positive")
	}
	if len(a.providers) == 0 {
		return types.PriceQuote{}, types.NewError(types.ErrNoQuoteAvailable, "no quote providers registered")
	}

	start := time.Now()
	outcomes := make([]outcome, len(a.providers))

	// Providers fail independently; goroutines never return an error so one
	// failure does not cancel the others.
	var g errgroup.Group
	for i, p := range a.providers {
		g.Go(func() error {
			outcomes[i] = a.fetch(ctx, p, fiatAmount, targetAsset)
			return nil
		})
	}
	_ = g.Wait()

	a.metrics.ObserveLatency(metrics.OperationQuote, time.Since(start), nil)

	best, ok, failures := selectBest(outcomes)
	if !ok {
		a.log.Error("no quote available", map[string]any{
			"asset":    targetAsset,
			"failures": failures,
		})
		return types.PriceQuote{}, types.NewError(types.ErrNoQuoteAvailable,
			fmt.Sprintf("all %d providers failed for %s", len(a.providers), targetAsset))
	}

	a.log.Info("best quote selected", map[string]any{
		"provider":   best.Provider,
		"asset":      targetAsset,
		"total":      best.TotalWithFee.String(),
		"crypto":     best.CryptoAmount.String(),
		"fee":        best.NetworkFee.String(),
		"latency_ms": best.Latency.Milliseconds(),
		"failures":   failures,
	})
	return best, nil
}

func (a *Aggregator) fetch(ctx context.Context, p Provider, fiatAmount decimal.Decimal, asset string) outcome {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	labels := map[string]string{"provider": p.Name()}
	q, err := p.GetQuote(ctx, fiatAmount, asset)
	if err != nil {
		a.metrics.IncCounter(metrics.QuoteFailure, labels)
		a.log.Warn("quote provider failed", map[string]any{
			"provider": p.Name(),
			"error":    err,
		})
		return outcome{err: err}
	}
	if q.Provider == "" {
		q.Provider = p.Name()
	}
	a.metrics.IncCounter(metrics.QuoteSuccess, labels)
	return outcome{quote: q}
}

func selectBest(outcomes []outcome) (types.PriceQuote, bool, int) {
	var (
		best     types.PriceQuote
		found    bool
		failures int
	)
	for _, o := range outcomes {
		if o.err != nil {
			failures++
			continue
		}
		if !found || o.quote.TotalWithFee.LessThan(best.TotalWithFee) {
			best = o.quote
			found = true
		}
	}
	return best, found, failures
}
