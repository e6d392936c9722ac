// Package orchestrator drives a payment intent from quote to an audited,
// notified settlement.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/notify"
	"github.com/vitwit/cryptopay/store"
	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/watcher"
)

const (
	DefaultRetryInterval = 15 * time.Second

	verdictCacheSize = 1024
)

// Quoter returns the cheapest quote for a fiat amount. *quote.Aggregator
// satisfies it.
type Quoter interface {
	BestQuote(ctx context.Context, fiatAmount decimal.Decimal, targetAsset string) (types.PriceQuote, error)
}

// Validator checks a reference on a network. *verification.VerificationService
// satisfies it.
type Validator interface {
	Validate(ctx context.Context, network types.Network, reference string, expected decimal.Decimal, merchant string) (types.ValidationResult, error)
	Asset(network types.Network) (types.Asset, bool)
}

// Committer appends finalized intents to the audit chain. *audit.Chain
// satisfies it.
type Committer interface {
	Commit(ctx context.Context, intent *types.PaymentIntent) (types.LedgerEntry, error)
}

// Watchers runs chain watchers and merges their candidates.
// *watcher.Manager satisfies it.
type Watchers interface {
	Ensure(network types.Network, address string, source watcher.Source, backfill bool) (bool, error)
	Candidates() <-chan watcher.Candidate
}

// Route is the merchant destination for one network.
type Route struct {
	Network  types.Network
	Merchant string
	// Source is watched for settlements the client never reports. Optional.
	Source watcher.Source
}

type Orchestrator struct {
	quotes    Quoter
	validator Validator
	store     store.IntentStore
	chain     Committer
	sink      notify.Sink
	watchers  Watchers
	log       logger.Logger
	metrics   metrics.Recorder
	now       func() time.Time
	newID     func() string

	retryInterval time.Duration
	intentTTL     time.Duration

	mu     sync.RWMutex
	routes map[types.Network]Route

	// last verdict per intent id, for shortfall reporting
	verdicts *lru.Cache

	deferredMu sync.Mutex
	deferred   map[string]*deferred
}

type Option func(*Orchestrator)

func WithSink(s notify.Sink) Option {
	return func(o *Orchestrator) { o.sink = notify.OrNoop(s) }
}

func WithWatchers(w Watchers) Option {
	return func(o *Orchestrator) { o.watchers = w }
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNoop(r) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the uuid intent id generator.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// WithRetryInterval sets how often PENDING intents are re-validated by Run.
func WithRetryInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithIntentTTL refuses intents still unsettled after d. Zero disables expiry.
func WithIntentTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.intentTTL = d }
}

func New(quotes Quoter, validator Validator, st store.IntentStore, chain Committer, opts ...Option) (*Orchestrator, error) {
	if quotes == nil || validator == nil || st == nil || chain == nil {
		return nil, types.NewError(types.ErrConfigError, "orchestrator needs a quoter, validator, store and audit chain")
	}

	verdicts, err := lru.New(verdictCacheSize)
	if err != nil {
		return nil, fmt.Errorf("verdict cache: %w", err)
	}

	o := &Orchestrator{
		quotes:        quotes,
		validator:     validator,
		store:         st,
		chain:         chain,
		sink:          notify.NoopSink{},
		log:           logger.NoopLogger{},
		metrics:       metrics.NoopRecorder{},
		now:           time.Now,
		newID:         uuid.NewString,
		retryInterval: DefaultRetryInterval,
		routes:        make(map[types.Network]Route),
		verdicts:      verdicts,
		deferred:      make(map[string]*deferred),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// AddRoute registers the merchant address for a network. The network must
// already have a validator.
func (o *Orchestrator) AddRoute(r Route) error {
	if r.Merchant == "" {
		return types.NewError(types.ErrConfigError, fmt.Sprintf("no merchant address for %s", r.Network))
	}
	if _, ok := o.validator.Asset(r.Network); !ok {
		return types.NewError(types.ErrUnsupportedNetwork,
			fmt.Sprintf("no validator configured for network %s", r.Network))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[r.Network] = r
	return nil
}

func (o *Orchestrator) route(network types.Network) (Route, types.Asset, error) {
	o.mu.RLock()
	r, ok := o.routes[network]
	o.mu.RUnlock()
	if !ok {
		return Route{}, types.Asset{}, types.NewError(types.ErrUnsupportedNetwork,
			fmt.Sprintf("network %s is not configured", network))
	}
	asset, ok := o.validator.Asset(network)
	if !ok {
		return Route{}, types.Asset{}, types.NewError(types.ErrUnsupportedNetwork,
			fmt.Sprintf("no validator configured for network %s", network))
	}
	return r, asset, nil
}

// Networks lists configured networks in name order.
func (o *Orchestrator) Networks() []types.Network {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]types.Network, 0, len(o.routes))
	for n := range o.routes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ensureWatcher starts the network's watcher if the route has a source.
// backfill asks a new watcher to deliver the references it finds on start.
func (o *Orchestrator) ensureWatcher(r Route, backfill bool) {
	if o.watchers == nil || r.Source == nil {
		return
	}
	started, err := o.watchers.Ensure(r.Network, r.Merchant, r.Source, backfill)
	if err != nil {
		o.log.Warn("could not start chain watcher", map[string]any{
			"network": r.Network.String(),
			"error":   err,
		})
		return
	}
	if started {
		o.log.Info("chain watcher started", map[string]any{
			"network":  r.Network.String(),
			"address":  r.Merchant,
			"backfill": backfill,
		})
	}
}

// hasWaiting reports whether any intent on network still waits for a
// payment.
func (o *Orchestrator) hasWaiting(ctx context.Context, network types.Network) bool {
	asset, ok := o.validator.Asset(network)
	if !ok {
		return false
	}
	pending, err := o.store.FindPending(ctx, network, asset.Symbol)
	if err != nil {
		o.log.Warn("could not list waiting intents", map[string]any{
			"network": network.String(),
			"error":   err,
		})
		return false
	}
	return len(pending) > 0
}

func (o *Orchestrator) emit(ctx context.Context, kind notify.EventKind, intent *types.PaymentIntent) {
	ev := notify.Event{
		Kind:      kind,
		Amount:    types.ToMinorUnits(intent.FiatAmount, intent.FiatCurrency),
		Currency:  intent.FiatCurrency,
		IntentID:  intent.ID,
		Network:   intent.Network.String(),
		Reference: intent.Reference(),
		At:        o.now().UTC(),
	}
	if err := o.sink.Notify(ctx, ev); err != nil {
		o.metrics.IncCounter(metrics.NotificationFailure, map[string]string{"network": intent.Network.String()})
		o.log.Warn("notification failed", map[string]any{
			"intent_id": intent.ID,
			"type":      string(kind),
			"error":     err,
		})
	}
}

func (o *Orchestrator) remember(id string, res types.ValidationResult) {
	o.verdicts.Add(id, res)
}

func (o *Orchestrator) recall(id string) (types.ValidationResult, bool) {
	v, ok := o.verdicts.Get(id)
	if !ok {
		return types.ValidationResult{}, false
	}
	return v.(types.ValidationResult), true
}
