// Package store persists payment intents and the audit ledger.
package store

import (
	"context"
	"time"

	"github.com/vitwit/cryptopay/audit"
	"github.com/vitwit/cryptopay/types"
)

// IntentStore is the intent and ledger persistence used by the orchestrator.
//
// UpdateStatus only moves between non-terminal states. Terminal statuses are
// written exclusively by AppendAuditHash, together with the ledger entry, so
// an intent is never final without its audit hash.
type IntentStore interface {
	audit.Ledger

	Create(ctx context.Context, intent *types.PaymentIntent) error
	Get(ctx context.Context, id string) (*types.PaymentIntent, error)

	// FindPending returns intents still waiting for a payment on network in
	// asset, oldest first: AWAITING_PAYMENT, or PENDING without a reference.
	FindPending(ctx context.Context, network types.Network, asset string) ([]*types.PaymentIntent, error)
	// FindByReference returns the intent bound to reference on network.
	FindByReference(ctx context.Context, network types.Network, reference string) (*types.PaymentIntent, error)
	// FindRetryable returns PENDING intents with a bound reference, oldest first.
	FindRetryable(ctx context.Context) ([]*types.PaymentIntent, error)
	// FindStale returns non-terminal intents created before cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]*types.PaymentIntent, error)

	UpdateStatus(ctx context.Context, id string, status types.IntentStatus, reference *string) error

	Close()
}

func isAwaiting(p *types.PaymentIntent) bool {
	return p.Status == types.StatusAwaitingPayment ||
		(p.Status == types.StatusPending && p.TxReference == nil)
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
