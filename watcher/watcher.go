// Package watcher follows merchant addresses and turns chain activity into
// a stream of candidate references.
package watcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/types"
)

// Source is the chain data a watcher reads. Both chain clients satisfy it.
type Source interface {
	ListRecentReferences(ctx context.Context, address string, limit int) ([]string, error)
	SubscribeAddressActivity(ctx context.Context, address string) (<-chan types.ActivityEvent, error)
}

// Candidate is a reference newly observed on a watched address.
type Candidate struct {
	Network    types.Network
	Address    string
	Reference  string
	ObservedAt time.Time
}

type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateResolving
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateResolving:
		return "resolving"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Config struct {
	// RecentLimit is how many references are listed per activity event.
	RecentLimit int
	// DedupeSize bounds the set of references remembered as delivered.
	DedupeSize int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Backfill emits the references already listed when the subscription
	// starts instead of only marking them seen. Used when intents were left
	// waiting across a restart.
	Backfill bool
}

func DefaultConfig() Config {
	return Config{
		RecentLimit: 10,
		DedupeSize:  4096,
		MinBackoff:  500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecentLimit <= 0 {
		c.RecentLimit = d.RecentLimit
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = d.DedupeSize
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return c
}

var ErrAlreadyStarted = errors.New("watcher already started")

// Watcher follows one address on one network. Each activity event moves it
// from Subscribed to Resolving, where recent references are listed and the
// unseen ones are emitted oldest first, before returning to Subscribed.
type Watcher struct {
	network types.Network
	address string
	source  Source
	cfg     Config
	log     logger.Logger
	metrics metrics.Recorder

	seen  *lru.Cache
	out   chan Candidate
	state atomic.Int32

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(network types.Network, address string, source Source, cfg Config, log logger.Logger, rec metrics.Recorder) (*Watcher, error) {
	cfg = cfg.withDefaults()
	seen, err := lru.New(cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		network: network,
		address: address,
		source:  source,
		cfg:     cfg,
		log:     logger.OrNoop(log).With(map[string]any{"network": network.String(), "address": address}),
		metrics: metrics.OrNoop(rec),
		seen:    seen,
		out:     make(chan Candidate),
		done:    make(chan struct{}),
	}, nil
}

// Candidates is closed once the watcher stops.
func (w *Watcher) Candidates() <-chan Candidate { return w.out }

func (w *Watcher) State() State { return State(w.state.Load()) }

func (w *Watcher) Network() types.Network { return w.network }

func (w *Watcher) Address() string { return w.address }

func (w *Watcher) setState(s State) { w.state.Store(int32(s)) }

// Start launches the subscription loop. It runs until ctx ends or Close.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() {
	if !w.started.Load() {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.out)
	defer w.setState(StateStopped)

	backoff := w.cfg.MinBackoff
	baselined := false

	for {
		w.setState(StateIdle)
		events, err := w.source.SubscribeAddressActivity(ctx, w.address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("subscribe failed", map[string]any{"error": err, "retry_in": backoff.String()})
			w.metrics.IncCounter(metrics.WatcherResubscribe, map[string]string{"network": w.network.String()})
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, w.cfg.MaxBackoff)
			continue
		}

		backoff = w.cfg.MinBackoff
		w.setState(StateSubscribed)
		w.log.Info("watching address", nil)

		if !baselined {
			if !w.markBaseline(ctx) {
				return
			}
			baselined = true
		}

		if !w.consume(ctx, events) {
			return
		}

		w.log.Warn("subscription closed, resubscribing", map[string]any{"retry_in": backoff.String()})
		w.metrics.IncCounter(metrics.WatcherResubscribe, map[string]string{"network": w.network.String()})
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, w.cfg.MaxBackoff)
	}
}

// consume reads events until the channel closes (true) or ctx ends (false).
func (w *Watcher) consume(ctx context.Context, events <-chan types.ActivityEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			w.setState(StateResolving)
			stopped := !w.resolve(ctx, ev)
			w.setState(StateSubscribed)
			if stopped {
				return false
			}
		}
	}
}

// markBaseline records references that predate the subscription so they are
// never emitted, or emits them when backfilling. It returns false once ctx
// has ended.
func (w *Watcher) markBaseline(ctx context.Context) bool {
	refs, err := w.source.ListRecentReferences(ctx, w.address, w.cfg.RecentLimit)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.log.Warn("baseline fetch failed", map[string]any{"error": err})
		w.metrics.IncCounter(metrics.WatcherFetchFailure, map[string]string{"network": w.network.String()})
		return true
	}
	if w.cfg.Backfill {
		w.log.Info("backfilling recent references", map[string]any{"count": len(refs)})
		return w.emit(ctx, refs, 0)
	}
	for _, ref := range refs {
		w.seen.Add(ref, struct{}{})
	}
	return true
}

// resolve lists recent references and emits the unseen ones oldest first.
// It returns false once ctx has ended.
func (w *Watcher) resolve(ctx context.Context, ev types.ActivityEvent) bool {
	start := time.Now()
	refs, err := w.source.ListRecentReferences(ctx, w.address, w.cfg.RecentLimit)
	w.metrics.ObserveLatency(metrics.OperationWatcherFetch, time.Since(start), map[string]string{"network": w.network.String()})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.log.Warn("fetch after activity failed", map[string]any{"error": err, "height": ev.Height})
		w.metrics.IncCounter(metrics.WatcherFetchFailure, map[string]string{"network": w.network.String()})
		return true
	}
	return w.emit(ctx, refs, ev.Height)
}

// emit sends the unseen references of a newest-first listing, oldest first.
func (w *Watcher) emit(ctx context.Context, refs []string, height uint64) bool {
	for i := len(refs) - 1; i >= 0; i-- {
		ref := refs[i]
		if ref == "" {
			continue
		}
		if seen, _ := w.seen.ContainsOrAdd(ref, struct{}{}); seen {
			continue
		}

		c := Candidate{
			Network:    w.network,
			Address:    w.address,
			Reference:  ref,
			ObservedAt: time.Now().UTC(),
		}
		w.metrics.IncCounter(metrics.WatcherCandidate, map[string]string{"network": w.network.String()})
		w.log.Debug("candidate reference", map[string]any{"reference": ref, "height": height})

		select {
		case w.out <- c:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
