package cryptopay

import (
	"time"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/notify"
	"github.com/vitwit/cryptopay/quote"
	"github.com/vitwit/cryptopay/store"
)

type Option func(*CryptoPay)

func WithLogger(l logger.Logger) Option {
	return func(c *CryptoPay) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *CryptoPay) {
		c.metrics = r
	}
}

// WithTimeout bounds each chain validation call.
func WithTimeout(t time.Duration) Option {
	return func(c *CryptoPay) {
		c.timeout = t
	}
}

// WithStore replaces the store chosen from the configuration. The caller
// keeps ownership and closes it.
func WithStore(s store.IntentStore) Option {
	return func(c *CryptoPay) {
		c.store = s
	}
}

// WithSink adds a notification sink next to the terminal hub.
func WithSink(s notify.Sink) Option {
	return func(c *CryptoPay) {
		c.sinks = append(c.sinks, s)
	}
}

func WithProviders(p ...quote.Provider) Option {
	return func(c *CryptoPay) {
		c.providers = p
	}
}
