package verification

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/clients"
	"github.com/vitwit/cryptopay/types"
)

// EVMSource fetches executed EVM transactions. *clients.EVMClient satisfies it.
type EVMSource interface {
	TransactionByReference(ctx context.Context, reference string) (*clients.EVMTransaction, error)
}

// EVMValidator settles intents against native or ERC-20 transfers.
type EVMValidator struct {
	source EVMSource
	asset  types.Asset
}

var _ Validator = (*EVMValidator)(nil)

func NewEVMValidator(source EVMSource, asset types.Asset) *EVMValidator {
	return &EVMValidator{source: source, asset: asset}
}

func (v *EVMValidator) Asset() types.Asset { return v.asset }

func (v *EVMValidator) Validate(ctx context.Context, reference string, expected decimal.Decimal, merchant string) types.ValidationResult {
	tx, err := v.source.TransactionByReference(ctx, reference)
	if err != nil {
		return fromSourceError(reference, err)
	}
	if !tx.Succeeded {
		res := refused(reference, types.ErrOnChainExecutionFailed, "transaction reverted")
		res.Sender = tx.From
		return res
	}

	total := new(big.Int)
	var legs int
	for _, t := range tx.Transfers {
		if !strings.EqualFold(t.To, merchant) || !v.matchesAsset(t) || t.Value == nil {
			continue
		}
		total.Add(total, t.Value)
		legs++
	}
	if legs == 0 {
		res := refused(reference, types.ErrRecipientMismatch,
			fmt.Sprintf("no %s transfer to %s", v.asset.Symbol, merchant))
		res.Sender = tx.From
		res.Recipient = tx.To
		return res
	}

	res := Assess(reference, expected, v.asset.FromBaseUnits(decimal.NewFromBigInt(total, 0)))
	res.Sender = tx.From
	res.Recipient = merchant
	res.Timestamp = tx.Timestamp
	return res
}

func (v *EVMValidator) matchesAsset(t clients.EVMTransfer) bool {
	if v.asset.IsNative() {
		return t.Token == ""
	}
	return strings.EqualFold(t.Token, v.asset.Contract)
}
