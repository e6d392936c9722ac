package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/types"
)

// Ledger is the persistence the chain needs. AppendAuditHash must apply the
// intent's terminal status, reference and hash together with the new entry,
// and fail with ErrConcurrentFinalization when entry.PrevHash is no longer
// the head.
type Ledger interface {
	MostRecentAuditHash(ctx context.Context) (string, error)
	AppendAuditHash(ctx context.Context, entry types.LedgerEntry) error
	Entries(ctx context.Context) ([]types.LedgerEntry, error)
}

const defaultCommitAttempts = 5

// Chain appends finalized intents to the ledger in a single total order.
type Chain struct {
	mu       sync.Mutex
	ledger   Ledger
	log      logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time
	attempts int
}

type Option func(*Chain)

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithCommitAttempts bounds retries after a head conflict raised by another
// writer sharing the ledger.
func WithCommitAttempts(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.attempts = n
		}
	}
}

func NewChain(ledger Ledger, log logger.Logger, rec metrics.Recorder, opts ...Option) *Chain {
	c := &Chain{
		ledger:   ledger,
		log:      logger.OrNoop(log),
		metrics:  metrics.OrNoop(rec),
		now:      time.Now,
		attempts: defaultCommitAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit links a finalized intent to the current head and persists it. The
// head read, hash and append happen under one lock; no other path appends.
func (c *Chain) Commit(ctx context.Context, intent *types.PaymentIntent) (types.LedgerEntry, error) {
	if !intent.Status.IsTerminal() {
		return types.LedgerEntry{}, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("intent %s is %s, only terminal intents are committed", intent.ID, intent.Status))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		c.metrics.ObserveLatency(metrics.OperationAuditCommit, time.Since(start), map[string]string{"network": intent.Network.String()})
	}()

	record := RecordOf(intent)

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.LedgerEntry{}, err
		}

		prev, err := c.ledger.MostRecentAuditHash(ctx)
		if err != nil {
			return types.LedgerEntry{}, fmt.Errorf("read chain head: %w", err)
		}
		if prev == "" {
			prev = GenesisHash
		}

		hash, err := Hash(prev, record)
		if err != nil {
			return types.LedgerEntry{}, fmt.Errorf("hash intent %s: %w", intent.ID, err)
		}

		entry := types.LedgerEntry{
			IntentID:     intent.ID,
			PrevHash:     prev,
			Hash:         hash,
			FiatAmount:   intent.FiatAmount,
			CryptoAmount: intent.CryptoAmount,
			Status:       intent.Status,
			TxReference:  intent.TxReference,
			CreatedAt:    intent.CreatedAt,
			CommittedAt:  c.now().UTC(),
		}

		err = c.ledger.AppendAuditHash(ctx, entry)
		if err == nil {
			c.metrics.IncCounter(metrics.AuditCommit, map[string]string{"network": intent.Network.String()})
			c.log.Info("audit entry committed", map[string]any{
				"intent_id": intent.ID,
				"status":    intent.Status.String(),
				"prev_hash": prev,
				"hash":      hash,
			})
			return entry, nil
		}
		if !errors.Is(err, types.ErrFinalizationConflict) {
			return types.LedgerEntry{}, err
		}

		lastErr = err
		c.metrics.IncCounter(metrics.AuditCommitConflict, map[string]string{"network": intent.Network.String()})
		c.log.Warn("chain head moved during commit, retrying", map[string]any{
			"intent_id": intent.ID,
			"attempt":   attempt + 1,
		})
	}
	return types.LedgerEntry{}, lastErr
}

// Head returns the current chain head, GenesisHash for an empty ledger.
func (c *Chain) Head(ctx context.Context) (string, error) {
	h, err := c.ledger.MostRecentAuditHash(ctx)
	if err != nil {
		return "", err
	}
	if h == "" {
		return GenesisHash, nil
	}
	return h, nil
}

// VerifyLedger loads every entry and verifies the chain. A broken chain is
// reported and also returned as ErrLedgerIntegrity.
func (c *Chain) VerifyLedger(ctx context.Context) (Report, error) {
	entries, err := c.ledger.Entries(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load ledger: %w", err)
	}
	report := Verify(entries)
	if !report.OK {
		c.log.Error("ledger integrity violation", map[string]any{
			"index":     report.FirstDivergence,
			"intent_id": report.IntentID,
			"reason":    report.Reason,
		})
		return report, types.NewError(types.ErrLedgerIntegrity, report.String())
	}
	return report, nil
}
