package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/notify"
	"github.com/vitwit/cryptopay/types"
)

type PaymentRequest struct {
	FiatAmount decimal.Decimal
	Currency   string
	Network    types.Network
	// Reference of a payment the client already broadcast. When set it is
	// validated before RequestPayment returns.
	Reference string
}

// Instructions tell the payer what to send and where.
type Instructions struct {
	IntentID        string           `json:"intentId"`
	Status          string           `json:"status"`
	Network         types.Network    `json:"network"`
	Asset           types.Asset      `json:"asset"`
	MerchantAddress string           `json:"merchantAddress"`
	CryptoAmount    decimal.Decimal  `json:"cryptoAmount"`
	FiatAmount      decimal.Decimal  `json:"fiatAmount"`
	FiatCurrency    string           `json:"fiatCurrency"`
	Quote           types.PriceQuote `json:"quote"`
	ExpiresAt       *time.Time       `json:"expiresAt,omitempty"`
}

// StatusView is what a requester is shown about an intent. Transient source
// errors never appear here; such intents simply read PENDING.
type StatusView struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
	Network         types.Network    `json:"network"`
	MerchantAddress string           `json:"merchantAddress,omitempty"`
	FiatAmount      decimal.Decimal  `json:"fiatAmount"`
	FiatCurrency    string           `json:"fiatCurrency"`
	CryptoAmount    decimal.Decimal  `json:"cryptoAmount"`
	CryptoCurrency  string           `json:"cryptoCurrency"`
	Reference       string           `json:"reference,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Received        *decimal.Decimal `json:"receivedAmount,omitempty"`
	Shortfall       *decimal.Decimal `json:"shortfall,omitempty"`
	AuditHash       string           `json:"auditHash,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// RequestPayment quotes the fiat amount, records an AWAITING_PAYMENT intent
// and makes sure the network is being watched.
//
// If req carries a reference and its validation fails, the instructions are
// still returned with the error so the caller learns the intent id.
func (o *Orchestrator) RequestPayment(ctx context.Context, req PaymentRequest) (*Instructions, error) {
	if !req.FiatAmount.IsPositive() {
		return nil, types.NewError(types.ErrInvalidRequest, "fiat amount must be positive")
	}
	currency := types.NormalizeCurrency(req.Currency)
	if currency == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "currency is required")
	}

	r, asset, err := o.route(req.Network)
	if err != nil {
		return nil, err
	}

	q, err := o.quotes.BestQuote(ctx, req.FiatAmount, asset.Symbol)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC().Truncate(time.Millisecond)
	intent := &types.PaymentIntent{
		ID:             o.newID(),
		FiatAmount:     req.FiatAmount,
		FiatCurrency:   currency,
		CryptoAmount:   q.CryptoAmount.RoundCeil(asset.Decimals),
		CryptoCurrency: asset.Symbol,
		Network:        req.Network,
		Provider:       q.Provider,
		Status:         types.StatusAwaitingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	o.metrics.IncCounter(metrics.IntentRequested, map[string]string{
		"network":  req.Network.String(),
		"provider": q.Provider,
	})
	o.log.Info("payment requested", map[string]any{
		"intent_id": intent.ID,
		"network":   req.Network.String(),
		"fiat":      req.FiatAmount.String() + " " + currency,
		"crypto":    intent.CryptoAmount.String() + " " + asset.Symbol,
		"provider":  q.Provider,
	})

	o.ensureWatcher(r, true)
	o.emit(ctx, notify.PaymentRequested, intent)

	ins := &Instructions{
		IntentID:        intent.ID,
		Status:          intent.Status.Public(),
		Network:         req.Network,
		Asset:           asset,
		MerchantAddress: r.Merchant,
		CryptoAmount:    intent.CryptoAmount,
		FiatAmount:      req.FiatAmount,
		FiatCurrency:    currency,
		Quote:           q,
	}
	if o.intentTTL > 0 {
		exp := now.Add(o.intentTTL)
		ins.ExpiresAt = &exp
	}

	if req.Reference != "" {
		view, err := o.SubmitClientReference(ctx, intent.ID, req.Reference)
		if err != nil {
			return ins, err
		}
		ins.Status = view.Status
	}
	return ins, nil
}

// SubmitClientReference binds a reference the payer reports for an intent,
// moving it to PENDING, and validates it. Any terminal verdict finalizes the
// intent; a transient source error leaves it PENDING for the retry loop.
func (o *Orchestrator) SubmitClientReference(ctx context.Context, id, reference string) (*StatusView, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "reference is required")
	}

	intent, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status.IsTerminal() {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("intent %s is already %s", id, intent.Status))
	}
	if bound := intent.Reference(); bound != "" && bound != reference {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("intent %s is already bound to %s", id, bound))
	}

	owner, err := o.store.FindByReference(ctx, intent.Network, reference)
	switch {
	case err == nil && owner.ID != id:
		return nil, types.ErrReferenceUsed
	case err != nil && !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	r, _, err := o.route(intent.Network)
	if err != nil {
		return nil, err
	}

	// Bind before validating: a watcher that sees the same reference in the
	// meantime finds this intent as its owner instead of matching another.
	if err := o.store.UpdateStatus(ctx, id, types.StatusPending, &reference); err != nil {
		return nil, err
	}
	intent.Status = types.StatusPending
	intent.TxReference = &reference

	res, err := o.validator.Validate(ctx, intent.Network, reference, intent.CryptoAmount, r.Merchant)
	if err != nil {
		return nil, err
	}
	o.remember(id, res)

	if !res.Retryable() {
		if err := o.finalize(ctx, intent, res); err != nil {
			return nil, err
		}
	}
	return o.GetIntentStatus(ctx, id)
}

// GetIntentStatus returns the public view of an intent. A PARTIAL_PAYMENT
// carries the shortfall when the verdict is known.
func (o *Orchestrator) GetIntentStatus(ctx context.Context, id string) (*StatusView, error) {
	intent, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ID:             intent.ID,
		Status:         intent.Status.Public(),
		Network:        intent.Network,
		FiatAmount:     intent.FiatAmount,
		FiatCurrency:   intent.FiatCurrency,
		CryptoAmount:   intent.CryptoAmount,
		CryptoCurrency: intent.CryptoCurrency,
		Reference:      intent.Reference(),
		CreatedAt:      intent.CreatedAt,
		UpdatedAt:      intent.UpdatedAt,
	}
	if intent.AuditHash != nil {
		view.AuditHash = *intent.AuditHash
	}

	o.mu.RLock()
	r, routed := o.routes[intent.Network]
	o.mu.RUnlock()
	if routed && !intent.Status.IsTerminal() {
		view.MerchantAddress = r.Merchant
	}

	if !intent.Status.IsTerminal() {
		return view, nil
	}

	res, ok := o.recall(id)
	if !ok && intent.Status == types.StatusPartialPayment && routed && intent.TxReference != nil {
		// verdict lost across a restart; a confirmed transaction does not change
		res, err = o.validator.Validate(ctx, intent.Network, *intent.TxReference, intent.CryptoAmount, r.Merchant)
		ok = err == nil && res.Status == types.StatusPartialPayment
		if ok {
			o.remember(id, res)
		}
	}
	if ok && res.Status == intent.Status {
		if res.Status != types.StatusValidated {
			view.Reason = res.Reason
		}
		view.Received = res.ReceivedAmount
		if res.Status == types.StatusPartialPayment {
			view.Shortfall = res.MissingAmount
		}
	}
	return view, nil
}
