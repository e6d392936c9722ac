package quote

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/types"
)

// StaticProvider quotes a fixed rate and fee after a simulated latency. It
// stands in for a market-data integration.
type StaticProvider struct {
	name       string
	rate       decimal.Decimal
	fee        decimal.Decimal
	minLatency time.Duration
	maxLatency time.Duration
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(name string, rate, fee decimal.Decimal, minLatency, maxLatency time.Duration) *StaticProvider {
	if maxLatency < minLatency {
		maxLatency = minLatency
	}
	return &StaticProvider{
		name:       name,
		rate:       rate,
		fee:        fee,
		minLatency: minLatency,
		maxLatency: maxLatency,
	}
}

func (s *StaticProvider) Name() string { return s.name }

func (s *StaticProvider) GetQuote(ctx context.Context, fiatAmount decimal.Decimal, _ string) (types.PriceQuote, error) {
	latency := s.minLatency
	if spread := s.maxLatency - s.minLatency; spread > 0 {
		latency += rand.N(spread)
	}

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return types.PriceQuote{}, ctx.Err()
		}
	}

	return types.NewPriceQuote(s.name, fiatAmount, s.rate, s.fee, latency), nil
}

// DefaultProviders returns the three stub providers used by the terminal
// simulation.
func DefaultProviders() []Provider {
	return []Provider{
		NewStaticProvider("Moralis",
			decimal.RequireFromString("0.000045"), decimal.RequireFromString("0.0005"),
			50*time.Millisecond, 250*time.Millisecond),
		NewStaticProvider("Binance",
			decimal.RequireFromString("0.000046"), decimal.RequireFromString("0.0002"),
			20*time.Millisecond, 170*time.Millisecond),
		NewStaticProvider("Kraken",
			decimal.RequireFromString("0.0000455"), decimal.RequireFromString("0.0003"),
			100*time.Millisecond, 400*time.Millisecond),
	}
}
