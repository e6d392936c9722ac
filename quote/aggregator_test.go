package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/cryptopay/types"
)

type fakeProvider struct {
	name  string
	total string
	delay time.Duration
	err   error
}

func (f fakeProvider) Name() string { return f.name }

func (f fakeProvider) GetQuote(ctx context.Context, fiat decimal.Decimal, _ string) (types.PriceQuote, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return types.PriceQuote{}, ctx.Err()
	}
	if f.err != nil {
		return types.PriceQuote{}, f.err
	}
	total := decimal.RequireFromString(f.total)
	return types.PriceQuote{
		Provider:     f.name,
		CryptoAmount: total,
		NetworkFee:   decimal.Zero,
		TotalWithFee: total,
		Rate:         total.Div(fiat),
	}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBestQuote(t *testing.T) {
	boom := errors.New("provider down")

	tests := []struct {
		name      string
		providers []Provider
		want      string
		wantErr   string
	}{
		{
			name: "lowest total wins",
			providers: []Provider{
				fakeProvider{name: "A", total: "0.0046"},
				fakeProvider{name: "B", total: "0.0045"},
				fakeProvider{name: "C", total: "0.0047"},
			},
			want: "B",
		},
		{
			name: "selection ignores completion order",
			providers: []Provider{
				fakeProvider{name: "slow-cheap", total: "0.001", delay: 30 * time.Millisecond},
				fakeProvider{name: "fast-pricey", total: "0.002"},
			},
			want: "slow-cheap",
		},
		{
			name: "tie keeps first registered",
			providers: []Provider{
				fakeProvider{name: "first", total: "0.0045", delay: 20 * time.Millisecond},
				fakeProvider{name: "second", total: "0.00450"},
			},
			want: "first",
		},
		{
			name: "failed providers are skipped",
			providers: []Provider{
				fakeProvider{name: "down", total: "0.0001", err: boom},
				fakeProvider{name: "up", total: "0.0050"},
			},
			want: "up",
		},
		{
			name: "all providers fail",
			providers: []Provider{
				fakeProvider{name: "x", err: boom},
				fakeProvider{name: "y", err: boom},
			},
			wantErr: types.ErrNoQuoteAvailable,
		},
		{
			name:    "no providers",
			wantErr: types.ErrNoQuoteAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(tt.providers, time.Second, nil, nil)
			q, err := agg.BestQuote(context.Background(), dec("100"), "BNB")
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Equal(t, tt.wantErr, types.CodeOf(err))
				require.ErrorIs(t, err, types.ErrNoQuote)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, q.Provider)
		})
	}
}

func TestBestQuoteRejectsNonPositiveAmount(t *testing.T) {
	agg := NewAggregator([]Provider{fakeProvider{name: "A", total: "1"}}, time.Second, nil, nil)

	_, err := agg.BestQuote(context.Background(), decimal.Zero, "SOL")
	require.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))

	_, err = agg.BestQuote(context.Background(), dec("-5"), "SOL")
	require.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
}

func TestBestQuoteProviderTimeout(t *testing.T) {
	agg := NewAggregator([]Provider{
		fakeProvider{name: "hung", total: "0.0001", delay: time.Second},
		fakeProvider{name: "ok", total: "0.0009"},
	}, 50*time.Millisecond, nil, nil)

	q, err := agg.BestQuote(context.Background(), dec("10"), "SOL")
	require.NoError(t, err)
	require.Equal(t, "ok", q.Provider)
}

func TestStaticProviderExactArithmetic(t *testing.T) {
	p := NewStaticProvider("Binance", dec("0.000046"), dec("0.0002"), 0, 0)

	q, err := p.GetQuote(context.Background(), dec("100"), "BNB")
	require.NoError(t, err)
	require.True(t, q.CryptoAmount.Equal(dec("0.0046")), q.CryptoAmount.String())
	require.True(t, q.TotalWithFee.Equal(dec("0.0048")), q.TotalWithFee.String())
	require.Equal(t, "Binance", q.Provider)
}

func TestStaticProviderHonoursContext(t *testing.T) {
	p := NewStaticProvider("slow", dec("1"), dec("0"), time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.GetQuote(ctx, dec("1"), "SOL")
	require.ErrorIs(t, err, context.Canceled)
}

func TestDefaultProvidersPickBinance(t *testing.T) {
	agg := NewAggregator(DefaultProviders(), 2*time.Second, nil, nil)

	q, err := agg.BestQuote(context.Background(), dec("100"), "BNB")
	require.NoError(t, err)
	// Moralis 0.0050, Binance 0.0048, Kraken 0.00485
	require.Equal(t, "Binance", q.Provider)
	require.True(t, q.TotalWithFee.Equal(dec("0.0048")))
}
