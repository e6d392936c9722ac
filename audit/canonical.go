// Package audit maintains the tamper-evident hash chain over finalized
// payment intents.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/types"
)

// GenesisHash is the previous hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// CreatedAtLayout renders timestamps as UTC with millisecond precision.
const CreatedAtLayout = "2006-01-02T15:04:05.000Z"

// CanonicalRecord is the hashed projection of an intent. Field order is part
// of the hash and must not change.
type CanonicalRecord struct {
	ID           string  `json:"id"`
	FiatAmount   string  `json:"fiat_amount"`
	CryptoAmount string  `json:"crypto_amount"`
	Status       string  `json:"status"`
	TxHash       *string `json:"tx_hash"`
	CreatedAt    string  `json:"created_at"`
}

// RecordOf projects an intent onto its canonical record.
func RecordOf(p *types.PaymentIntent) CanonicalRecord {
	return CanonicalRecord{
		ID:           p.ID,
		FiatAmount:   FormatDecimal(p.FiatAmount),
		CryptoAmount: FormatDecimal(p.CryptoAmount),
		Status:       p.Status.String(),
		TxHash:       p.TxReference,
		CreatedAt:    FormatTime(p.CreatedAt),
	}
}

// RecordOfEntry rebuilds the canonical record from a ledger snapshot.
func RecordOfEntry(e types.LedgerEntry) CanonicalRecord {
	return CanonicalRecord{
		ID:           e.IntentID,
		FiatAmount:   FormatDecimal(e.FiatAmount),
		CryptoAmount: FormatDecimal(e.CryptoAmount),
		Status:       e.Status.String(),
		TxHash:       e.TxReference,
		CreatedAt:    FormatTime(e.CreatedAt),
	}
}

// Canonicalize returns the exact bytes fed to the hash: compact JSON, keys
// in declaration order, no HTML escaping, no trailing newline.
func Canonicalize(rec CanonicalRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash computes hex(sha256(prev || canonical(rec))).
func Hash(prev string, rec CanonicalRecord) (string, error) {
	data, err := Canonicalize(rec)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(CreatedAtLayout)
}

// FormatDecimal renders d in shortest form, switching to exponent notation
// when the decimal exponent is below -7 or at least 21 (1e-8, 1.5e+21).
// Ledgers written before this package existed use the same rendering.
func FormatDecimal(d decimal.Decimal) string {
	if d.IsZero() {
		return "0"
	}

	coef := d.Coefficient()
	exp := int(d.Exponent())
	neg := coef.Sign() < 0
	digits := strings.TrimLeft(coef.String(), "-")

	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	digits = trimmed

	sciExp := len(digits) - 1 + exp
	if sciExp >= -7 && sciExp < 21 {
		return d.String()
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte(digits[0])
	if len(digits) > 1 {
		b.WriteByte('.')
		b.WriteString(digits[1:])
	}
	b.WriteByte('e')
	if sciExp >= 0 {
		b.WriteByte('+')
	}
	b.WriteString(strconv.Itoa(sciExp))
	return b.String()
}
