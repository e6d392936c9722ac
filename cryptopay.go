// Package cryptopay wires quote aggregation, on-chain validation, the audit
// chain and address watchers into a payment reconciliation service for
// point-of-sale terminals settling fiat-priced intents in crypto.
package cryptopay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/cryptopay/api"
	"github.com/vitwit/cryptopay/audit"
	"github.com/vitwit/cryptopay/clients"
	"github.com/vitwit/cryptopay/config"
	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/notify"
	"github.com/vitwit/cryptopay/orchestrator"
	"github.com/vitwit/cryptopay/quote"
	"github.com/vitwit/cryptopay/store"
	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/verification"
	"github.com/vitwit/cryptopay/watcher"
)

// CryptoPay is the assembled service.
type CryptoPay struct {
	cfg       config.Config
	logger    logger.Logger
	metrics   metrics.Recorder
	timeout   time.Duration
	providers []quote.Provider
	sinks     []notify.Sink

	store     store.IntentStore
	ownsStore bool
	registry  *prometheus.Registry

	clients      []clients.Client
	verification *verification.VerificationService
	quotes       *quote.Aggregator
	chain        *audit.Chain
	hub          *notify.Hub
	redis        *notify.RedisPublisher
	watchers     *watcher.Manager
	orchestrator *orchestrator.Orchestrator
}

// New builds the service described by cfg. Chain clients are created for
// every configured network; watchers start only for networks with a
// websocket endpoint.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*CryptoPay, error) {
	c := &CryptoPay{cfg: cfg, timeout: cfg.ValidationTimeout}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		l, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigError, "build logger", err)
		}
		c.logger = l
	}
	if c.metrics == nil {
		c.registry = prometheus.NewRegistry()
		rec, err := metrics.NewPrometheusRecorder(c.registry)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigError, "register metrics", err)
		}
		c.metrics = rec
	}
	if len(c.providers) == 0 {
		c.providers = quote.DefaultProviders()
	}

	if err := c.openStore(ctx); err != nil {
		return nil, err
	}

	c.verification = verification.NewVerificationService(c.timeout, c.logger, c.metrics)
	c.quotes = quote.NewAggregator(c.providers, cfg.QuoteTimeout, c.logger, c.metrics)
	c.chain = audit.NewChain(c.store, c.logger, c.metrics)
	c.hub = notify.NewHub(c.logger)
	c.watchers = watcher.NewManager(context.WithoutCancel(ctx), watcher.Config{
		RecentLimit: cfg.WatchRecentLimit,
		DedupeSize:  cfg.WatchDedupeSize,
	}, c.logger, c.metrics)

	sinks := notify.Multi{c.hub}
	if cfg.RedisURL != "" {
		pub, err := notify.NewRedisPublisherFromURL(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			c.Close()
			return nil, types.WrapError(types.ErrConfigError, "connect redis", err)
		}
		c.redis = pub
		sinks = append(sinks, pub)
	}
	sinks = append(sinks, c.sinks...)

	orch, err := orchestrator.New(c.quotes, c.verification, c.store, c.chain,
		orchestrator.WithSink(sinks),
		orchestrator.WithWatchers(c.watchers),
		orchestrator.WithLogger(c.logger),
		orchestrator.WithMetrics(c.metrics),
		orchestrator.WithRetryInterval(cfg.RetryInterval),
		orchestrator.WithIntentTTL(cfg.IntentTTL),
	)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.orchestrator = orch

	for _, nc := range cfg.Networks {
		if err := c.AddNetwork(nc); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *CryptoPay) openStore(ctx context.Context) error {
	if c.store != nil {
		return nil
	}
	c.ownsStore = true
	if c.cfg.DatabaseURL == "" {
		c.logger.Warn("no database configured, intents are kept in memory", nil)
		c.store = store.NewMemoryStore()
		return nil
	}
	pg, err := store.NewPostgresStore(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return err
	}
	c.store = pg
	return nil
}

// AddNetwork connects to a network and routes its intents to the merchant
// address in nc.
func (c *CryptoPay) AddNetwork(nc config.NetworkConfig) error {
	switch {
	case nc.Network.IsEVM():
		return c.addEVMNetwork(nc)
	case nc.Network.IsSolana():
		return c.addSolanaNetwork(nc)
	default:
		return types.NewError(types.ErrUnsupportedNetwork, fmt.Sprintf("unsupported network: %s", nc.Network))
	}
}

func (c *CryptoPay) addEVMNetwork(nc config.NetworkConfig) error {
	client, err := clients.NewEVMClient(clients.EVMConfig{
		Network: nc.Network,
		RPCUrl:  nc.RPCURL,
		WSUrl:   nc.WSURL,
		Token:   nc.TokenAddress,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("failed to create EVM client for %s: %w", nc.Network, err)
	}
	c.clients = append(c.clients, client)

	if err := c.verification.AddValidator(nc.Network, verification.NewEVMValidator(client, nc.Asset())); err != nil {
		return err
	}
	return c.addRoute(nc, client)
}

func (c *CryptoPay) addSolanaNetwork(nc config.NetworkConfig) error {
	client, err := clients.NewSolanaClient(clients.SolanaConfig{
		Network: nc.Network,
		RPCUrl:  nc.RPCURL,
		WSUrl:   nc.WSURL,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("failed to create Solana client for %s: %w", nc.Network, err)
	}
	c.clients = append(c.clients, client)

	if err := c.verification.AddValidator(nc.Network, verification.NewSolanaValidator(client, nc.Asset())); err != nil {
		return err
	}
	return c.addRoute(nc, client)
}

func (c *CryptoPay) addRoute(nc config.NetworkConfig, client clients.Client) error {
	route := orchestrator.Route{Network: nc.Network, Merchant: nc.MerchantAddress}
	if nc.WSURL != "" {
		route.Source = client
	} else {
		c.logger.Warn("no websocket url, payments settle from client references only",
			map[string]any{"network": nc.Network})
	}
	return c.orchestrator.AddRoute(route)
}

func (c *CryptoPay) Orchestrator() *orchestrator.Orchestrator { return c.orchestrator }

func (c *CryptoPay) Chain() *audit.Chain { return c.chain }

func (c *CryptoPay) Quotes() *quote.Aggregator { return c.quotes }

func (c *CryptoPay) Logger() logger.Logger { return c.logger }

// Gatherer returns the metrics registry, or nil when a recorder was supplied
// with WithMetrics.
func (c *CryptoPay) Gatherer() prometheus.Gatherer {
	if c.registry == nil {
		return nil
	}
	return c.registry
}

func (c *CryptoPay) SupportedNetworks() []types.Network {
	return c.orchestrator.Networks()
}

// Handler serves the terminal API, the notification stream and metrics.
func (c *CryptoPay) Handler() http.Handler {
	return api.NewRouter(c.orchestrator, c.chain, api.Options{
		MerchantSecret: c.cfg.MerchantSecret,
		Terminals:      c.hub,
		Gatherer:       c.Gatherer(),
		Logger:         c.logger,
	})
}

// VerifyLedger walks the audit chain from genesis.
func (c *CryptoPay) VerifyLedger(ctx context.Context) (audit.Report, error) {
	return c.chain.VerifyLedger(ctx)
}

// Run settles watcher candidates and retries pending intents until ctx ends.
func (c *CryptoPay) Run(ctx context.Context) error {
	return c.orchestrator.Run(ctx)
}

// Close stops watchers, drops terminal connections and releases clients and
// the store when it was opened by New.
func (c *CryptoPay) Close() {
	if c.watchers != nil {
		c.watchers.Close()
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("close redis", map[string]any{"error": err.Error()})
		}
	}
	for _, cl := range c.clients {
		cl.Close()
	}
	if c.ownsStore && c.store != nil {
		c.store.Close()
	}
}
