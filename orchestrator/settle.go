package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/notify"
	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/watcher"
)

// maxDeferredAttempts bounds how often a watcher candidate that hit a
// transient source error is retried before it is dropped.
const maxDeferredAttempts = 20

// clockSkew is how far a transfer's block time may precede the intent it
// settles. Older transfers are payments for something else.
const clockSkew = 2 * time.Minute

type deferred struct {
	candidate watcher.Candidate
	attempts  int
}

func candidateKey(c watcher.Candidate) string {
	return string(c.Network) + "/" + c.Reference
}

// OnInboundReference matches a reference seen by a chain watcher against the
// oldest intent still waiting on that network and asset (ties by id).
//
// The reference is unsolicited, so a REFUSED verdict only means it is not a
// settlement; the intent keeps waiting. References already bound to an
// intent are re-validated for that intent instead.
func (o *Orchestrator) OnInboundReference(ctx context.Context, c watcher.Candidate) error {
	owner, err := o.store.FindByReference(ctx, c.Network, c.Reference)
	switch {
	case err == nil:
		o.forget(c)
		if owner.Status.IsTerminal() {
			return nil
		}
		return o.revalidate(ctx, owner)
	case !errors.Is(err, types.ErrNotFound):
		return err
	}

	r, asset, err := o.route(c.Network)
	if err != nil {
		return err
	}
	pending, err := o.store.FindPending(ctx, c.Network, asset.Symbol)
	if err != nil {
		return fmt.Errorf("find pending intents: %w", err)
	}

	fields := map[string]any{
		"network":   c.Network.String(),
		"reference": c.Reference,
	}
	if len(pending) == 0 {
		o.forget(c)
		o.metrics.IncCounter(metrics.CandidateUnmatched, map[string]string{"network": c.Network.String()})
		o.log.Info("no intent waiting for reference", fields)
		return nil
	}

	intent := pending[0]
	fields["intent_id"] = intent.ID

	res, err := o.validator.Validate(ctx, c.Network, c.Reference, intent.CryptoAmount, r.Merchant)
	if err != nil {
		return err
	}

	switch res.Status {
	case types.StatusPending:
		o.postpone(c)
		return nil
	case types.StatusRefused:
		o.forget(c)
		fields["reason"] = res.Reason
		o.metrics.IncCounter(metrics.CandidateUnmatched, map[string]string{"network": c.Network.String()})
		o.log.Info("reference does not settle the waiting intent", fields)
		return nil
	}
	if res.Timestamp != nil && res.Timestamp.Before(intent.CreatedAt.Add(-clockSkew)) {
		o.forget(c)
		fields["block_time"] = res.Timestamp.UTC().Format(time.RFC3339)
		o.metrics.IncCounter(metrics.CandidateUnmatched, map[string]string{"network": c.Network.String()})
		o.log.Info("reference predates the waiting intent", fields)
		return nil
	}

	o.forget(c)
	o.remember(intent.ID, res)
	return o.finalize(ctx, intent, res)
}

// revalidate re-runs validation for an intent with a bound reference.
func (o *Orchestrator) revalidate(ctx context.Context, intent *types.PaymentIntent) error {
	r, _, err := o.route(intent.Network)
	if err != nil {
		return err
	}
	res, err := o.validator.Validate(ctx, intent.Network, intent.Reference(), intent.CryptoAmount, r.Merchant)
	if err != nil {
		return err
	}
	o.remember(intent.ID, res)
	if res.Retryable() {
		return nil
	}
	return o.finalize(ctx, intent, res)
}

// finalize commits the verdict to the audit chain, which also moves the
// intent to its terminal status, and announces confirmed payments.
func (o *Orchestrator) finalize(ctx context.Context, intent *types.PaymentIntent, res types.ValidationResult) error {
	final := intent.Clone()
	final.Status = res.Status
	if res.Reference != "" {
		ref := res.Reference
		final.TxReference = &ref
	}

	entry, err := o.chain.Commit(ctx, final)
	if errors.Is(err, types.ErrTransition) && o.settledElsewhere(ctx, final) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize intent %s: %w", intent.ID, err)
	}
	final.AuditHash = &entry.Hash

	o.metrics.IncCounter(metrics.IntentFinalized, map[string]string{
		"network":  intent.Network.String(),
		"provider": intent.Provider,
	})
	fields := map[string]any{
		"intent_id":  intent.ID,
		"status":     res.Status.String(),
		"reference":  final.Reference(),
		"audit_hash": entry.Hash,
	}
	if res.Reason != "" {
		fields["reason"] = res.Reason
	}
	o.log.Info("intent finalized", fields)

	if res.Status == types.StatusValidated {
		o.emit(ctx, notify.PaymentConfirmed, final)
	}
	return nil
}

// settledElsewhere reports whether a concurrent path already finalized the
// intent with the same reference, e.g. the watcher revalidating a reference
// the client just bound.
func (o *Orchestrator) settledElsewhere(ctx context.Context, final *types.PaymentIntent) bool {
	cur, err := o.store.Get(ctx, final.ID)
	if err != nil || !cur.Status.IsTerminal() || cur.Reference() != final.Reference() {
		return false
	}
	o.log.Debug("intent already finalized", map[string]any{
		"intent_id": final.ID,
		"status":    cur.Status.String(),
	})
	return true
}

// RetryPending re-validates PENDING intents and watcher candidates that
// previously hit a transient source error.
func (o *Orchestrator) RetryPending(ctx context.Context) error {
	if err := o.retryIntents(ctx, ""); err != nil {
		return err
	}

	o.deferredMu.Lock()
	queue := make([]watcher.Candidate, 0, len(o.deferred))
	for _, d := range o.deferred {
		queue = append(queue, d.candidate)
	}
	o.deferredMu.Unlock()

	for _, c := range queue {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.OnInboundReference(ctx, c); err != nil {
			o.log.Warn("deferred reference failed", map[string]any{
				"network":   c.Network.String(),
				"reference": c.Reference,
				"error":     err,
			})
		}
	}
	return nil
}

// retryIntents re-validates PENDING intents, restricted to network unless
// it is empty.
func (o *Orchestrator) retryIntents(ctx context.Context, network types.Network) error {
	intents, err := o.store.FindRetryable(ctx)
	if err != nil {
		return fmt.Errorf("find retryable intents: %w", err)
	}
	for _, p := range intents {
		if network != "" && p.Network != network {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.revalidate(ctx, p); err != nil {
			o.log.Warn("retry failed", map[string]any{
				"intent_id": p.ID,
				"error":     err,
			})
		}
	}
	return nil
}

func (o *Orchestrator) postpone(c watcher.Candidate) {
	o.deferredMu.Lock()
	defer o.deferredMu.Unlock()

	key := candidateKey(c)
	d, ok := o.deferred[key]
	if !ok {
		d = &deferred{candidate: c}
		o.deferred[key] = d
	}
	d.attempts++
	if d.attempts > maxDeferredAttempts {
		delete(o.deferred, key)
		o.log.Warn("dropping reference after repeated source errors", map[string]any{
			"network":   c.Network.String(),
			"reference": c.Reference,
			"attempts":  d.attempts - 1,
		})
	}
}

func (o *Orchestrator) forget(c watcher.Candidate) {
	o.deferredMu.Lock()
	delete(o.deferred, candidateKey(c))
	o.deferredMu.Unlock()
}

// ExpireStale refuses intents that stayed unsettled past the TTL and
// reports how many were expired. It is a no-op without a TTL.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	if o.intentTTL <= 0 {
		return 0, nil
	}
	stale, err := o.store.FindStale(ctx, o.now().Add(-o.intentTTL))
	if err != nil {
		return 0, fmt.Errorf("find stale intents: %w", err)
	}

	expired := 0
	for _, p := range stale {
		res := types.ValidationResult{
			Status:    types.StatusRefused,
			Reference: p.Reference(),
			Reason:    types.ErrExpired,
			Detail:    "intent expired before settlement",
		}
		if err := o.finalize(ctx, p, res); err != nil {
			if errors.Is(err, types.ErrTransition) {
				// settled between the query and the commit
				continue
			}
			o.log.Warn("expiry failed", map[string]any{"intent_id": p.ID, "error": err})
			continue
		}
		o.remember(p.ID, res)
		o.metrics.IncCounter(metrics.IntentExpired, map[string]string{"network": p.Network.String()})
		expired++
	}
	return expired, nil
}

// Run consumes watcher candidates and periodically retries and expires
// intents until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, n := range o.Networks() {
		o.mu.RLock()
		r := o.routes[n]
		o.mu.RUnlock()
		o.ensureWatcher(r, o.hasWaiting(ctx, n))
	}

	var candidates <-chan watcher.Candidate
	if o.watchers != nil {
		candidates = o.watchers.Candidates()
	}

	ticker := time.NewTicker(o.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			if err := o.OnInboundReference(ctx, c); err != nil {
				o.log.Warn("inbound reference failed", map[string]any{
					"network":   c.Network.String(),
					"reference": c.Reference,
					"error":     err,
				})
			}
			if err := o.retryIntents(ctx, c.Network); err != nil && ctx.Err() == nil {
				o.log.Warn("retry after chain event failed", map[string]any{"error": err})
			}
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	if err := o.RetryPending(ctx); err != nil && ctx.Err() == nil {
		o.log.Warn("retry sweep failed", map[string]any{"error": err})
	}
	n, err := o.ExpireStale(ctx)
	if err != nil && ctx.Err() == nil {
		o.log.Warn("expiry sweep failed", map[string]any{"error": err})
	}
	if n > 0 {
		o.log.Info("expired stale intents", map[string]any{"count": n})
	}
}
