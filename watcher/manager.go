package watcher

import (
	"context"
	"errors"
	"sync"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/types"
)

var ErrManagerClosed = errors.New("watcher manager closed")

// Manager runs at most one watcher per network and address and merges their
// candidates into one channel. Order is preserved per address.
type Manager struct {
	cfg     Config
	log     logger.Logger
	metrics metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	watchers map[string]*Watcher
	wg       sync.WaitGroup
	out      chan Candidate
}

func NewManager(ctx context.Context, cfg Config, log logger.Logger, rec metrics.Recorder) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:      cfg,
		log:      logger.OrNoop(log),
		metrics:  metrics.OrNoop(rec),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*Watcher),
		out:      make(chan Candidate),
	}
}

// Candidates merges every watcher's output. It is closed by Close.
func (m *Manager) Candidates() <-chan Candidate { return m.out }

// Ensure starts a watcher for network and address unless one is running.
// With backfill the new watcher also emits the references present when it
// subscribes. It reports whether a new watcher was started.
func (m *Manager) Ensure(network types.Network, address string, source Source, backfill bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrManagerClosed
	}
	key := string(network) + "/" + address
	if _, ok := m.watchers[key]; ok {
		return false, nil
	}

	cfg := m.cfg
	cfg.Backfill = backfill
	w, err := New(network, address, source, cfg, m.log, m.metrics)
	if err != nil {
		return false, err
	}
	if err := w.Start(m.ctx); err != nil {
		return false, err
	}
	m.watchers[key] = w

	m.wg.Add(1)
	go m.forward(w)
	return true, nil
}

func (m *Manager) forward(w *Watcher) {
	defer m.wg.Done()
	for c := range w.Candidates() {
		select {
		case m.out <- c:
		case <-m.ctx.Done():
			// drain so the watcher can observe cancellation and exit
		}
	}
}

// States returns the state of every watcher keyed by network/address.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.watchers))
	for k, w := range m.watchers {
		out[k] = w.State()
	}
	return out
}

// Close stops all watchers, waits for them, and closes Candidates.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	m.cancel()
	for _, w := range watchers {
		w.Close()
	}
	m.wg.Wait()
	close(m.out)
}
