package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenStandard represents different token standards
type TokenStandard string

const (
	TokenStandardNative TokenStandard = "native"
	TokenStandardERC20  TokenStandard = "erc20"
	TokenStandardSPL    TokenStandard = "spl"
)

// Asset describes the crypto asset an intent settles in.
type Asset struct {
	Symbol   string        `json:"symbol"`
	Decimals int32         `json:"decimals"`
	Standard TokenStandard `json:"standard"`
	// Contract is the ERC-20 contract or SPL mint; empty for native coins.
	Contract string `json:"contract,omitempty"`
}

// IsNative reports whether the asset is the chain's native coin.
func (a Asset) IsNative() bool {
	return a.Standard == TokenStandardNative || a.Standard == "" && a.Contract == ""
}

// FromBaseUnits converts an integer amount in the asset's smallest unit
// (wei, lamports, token base units) to its canonical decimal unit.
func (a Asset) FromBaseUnits(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-a.Decimals)
}

// ToBaseUnits converts a canonical amount to the smallest unit, truncating
// anything below one base unit.
func (a Asset) ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(a.Decimals).Truncate(0)
}

// PriceQuote is a single provider's offer for converting a fiat amount into
// the target asset. Quotes are produced per request and never persisted.
type PriceQuote struct {
	Provider     string          `json:"provider"`
	CryptoAmount decimal.Decimal `json:"cryptoAmount"`
	NetworkFee   decimal.Decimal `json:"networkFee"`
	TotalWithFee decimal.Decimal `json:"totalWithFee"`
	Rate         decimal.Decimal `json:"rate"`
	Latency      time.Duration   `json:"latency,omitempty"`
}

// NewPriceQuote builds a quote from a rate and fee; the total is always
// crypto amount plus fee.
func NewPriceQuote(provider string, fiatAmount, rate, fee decimal.Decimal, latency time.Duration) PriceQuote {
	crypto := fiatAmount.Mul(rate)
	return PriceQuote{
		Provider:     provider,
		CryptoAmount: crypto,
		NetworkFee:   fee,
		TotalWithFee: crypto.Add(fee),
		Rate:         rate,
		Latency:      latency,
	}
}

// IntentStatus is the lifecycle status of a payment intent.
type IntentStatus string

const (
	StatusAwaitingPayment IntentStatus = "AWAITING_PAYMENT"
	StatusPending         IntentStatus = "PENDING"
	StatusValidated       IntentStatus = "VALIDATED"
	StatusPartialPayment  IntentStatus = "PARTIAL_PAYMENT"
	StatusRefused         IntentStatus = "REFUSED"
)

// IsTerminal reports whether no further transition is allowed.
func (s IntentStatus) IsTerminal() bool {
	return s == StatusValidated || s == StatusPartialPayment || s == StatusRefused
}

func (s IntentStatus) IsValid() bool {
	switch s {
	case StatusAwaitingPayment, StatusPending, StatusValidated, StatusPartialPayment, StatusRefused:
		return true
	}
	return false
}

// CheckTransition enforces the monotonic lifecycle
// {AWAITING_PAYMENT, PENDING} -> {VALIDATED | PARTIAL_PAYMENT | REFUSED}.
func (s IntentStatus) CheckTransition(next IntentStatus) error {
	if !next.IsValid() {
		return NewError(ErrInvalidTransition, fmt.Sprintf("unknown status %q", next))
	}
	if s.IsTerminal() {
		return NewError(ErrInvalidTransition, fmt.Sprintf("intent is %s, cannot move to %s", s, next))
	}
	if s == StatusPending && next == StatusAwaitingPayment {
		return NewError(ErrInvalidTransition, "intent cannot return to AWAITING_PAYMENT")
	}
	return nil
}

// Public maps a status to what the requester is shown. Refusals surface as
// FAILED; everything else is shown as is.
func (s IntentStatus) Public() string {
	if s == StatusRefused {
		return "FAILED"
	}
	return string(s)
}

func (s IntentStatus) String() string {
	return string(s)
}

// PaymentIntent is a merchant's request for a fiat amount, settled in crypto.
type PaymentIntent struct {
	ID             string          `json:"id"`
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
	FiatCurrency   string          `json:"fiatCurrency"`
	CryptoAmount   decimal.Decimal `json:"cryptoAmount"`
	CryptoCurrency string          `json:"cryptoCurrency"`
	Network        Network         `json:"network"`
	Provider       string          `json:"provider,omitempty"`
	Status         IntentStatus    `json:"status"`
	TxReference    *string         `json:"txReference,omitempty"`
	AuditHash      *string         `json:"auditHash,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Reference returns the transaction reference or "" when none is bound.
func (p *PaymentIntent) Reference() string {
	if p.TxReference == nil {
		return ""
	}
	return *p.TxReference
}

// Clone returns a deep copy safe to hand out of a store.
func (p *PaymentIntent) Clone() *PaymentIntent {
	c := *p
	if p.TxReference != nil {
		ref := *p.TxReference
		c.TxReference = &ref
	}
	if p.AuditHash != nil {
		h := *p.AuditHash
		c.AuditHash = &h
	}
	return &c
}

// ValidationResult is the verdict of a chain validator for one reference.
type ValidationResult struct {
	Status    IntentStatus `json:"status"`
	Reference string       `json:"reference"`
	// Reason is one of the error codes when the status is not VALIDATED.
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`

	ReceivedAmount *decimal.Decimal `json:"receivedAmount,omitempty"`
	MissingAmount  *decimal.Decimal `json:"missingAmount,omitempty"`

	Sender    string     `json:"sender,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Retryable reports whether the verdict came from a transient source error.
func (r ValidationResult) Retryable() bool {
	return r.Status == StatusPending
}

// LedgerEntry is one committed link of the audit chain.
type LedgerEntry struct {
	Sequence int64  `json:"sequence"`
	IntentID string `json:"intentId"`
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`

	// Snapshot of the canonical fields at commit time.
	FiatAmount   decimal.Decimal `json:"fiatAmount"`
	CryptoAmount decimal.Decimal `json:"cryptoAmount"`
	Status       IntentStatus    `json:"status"`
	TxReference  *string         `json:"txReference"`
	CreatedAt    time.Time       `json:"createdAt"`
	CommittedAt  time.Time       `json:"committedAt"`
}

// NormalizeCurrency upper-cases an ISO currency code.
func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// MinorUnitExponent returns the number of minor-unit digits of an ISO 4217
// currency.
func MinorUnitExponent(currency string) int32 {
	switch NormalizeCurrency(currency) {
	case "JPY", "KRW", "VND", "CLP", "ISK", "XOF", "XAF", "UGX":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND", "LYD", "IQD":
		return 3
	}
	return 2
}

// ToMinorUnits converts a fiat amount into integer minor units (cents),
// rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(MinorUnitExponent(currency)).Round(0).IntPart()
}

// ActivityEvent signals a balance or activity change on a watched address.
type ActivityEvent struct {
	Network Network   `json:"network"`
	Address string    `json:"address"`
	Height  uint64    `json:"height"` // block number or slot
	At      time.Time `json:"at"`
}
