package verification

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/clients"
	"github.com/vitwit/cryptopay/types"
)

// SolanaSource fetches confirmed Solana transactions. *clients.SolanaClient
// satisfies it.
type SolanaSource interface {
	TransactionByReference(ctx context.Context, reference string) (*clients.SolanaTransaction, error)
}

// SolanaValidator settles intents from the merchant's net balance delta,
// either in lamports or in SPL token base units.
type SolanaValidator struct {
	source SolanaSource
	asset  types.Asset
}

var _ Validator = (*SolanaValidator)(nil)

func NewSolanaValidator(source SolanaSource, asset types.Asset) *SolanaValidator {
	return &SolanaValidator{source: source, asset: asset}
}

func (v *SolanaValidator) Asset() types.Asset { return v.asset }

func (v *SolanaValidator) Validate(ctx context.Context, reference string, expected decimal.Decimal, merchant string) types.ValidationResult {
	tx, err := v.source.TransactionByReference(ctx, reference)
	if err != nil {
		return fromSourceError(reference, err)
	}

	sender := feePayer(tx)
	if tx.Failed {
		res := refused(reference, types.ErrOnChainExecutionFailed, "transaction failed")
		res.Sender = sender
		return res
	}

	var delta *big.Int
	if v.asset.IsNative() {
		delta = lamportDelta(tx, merchant)
		for _, t := range tx.Transfers {
			if t.To == merchant {
				sender = t.From
				break
			}
		}
	} else {
		delta = tokenDelta(tx, merchant, v.asset.Contract)
	}

	if delta == nil || delta.Sign() <= 0 {
		res := refused(reference, types.ErrRecipientMismatch,
			fmt.Sprintf("no %s credited to %s", v.asset.Symbol, merchant))
		res.Sender = sender
		return res
	}

	res := Assess(reference, expected, v.asset.FromBaseUnits(decimal.NewFromBigInt(delta, 0)))
	res.Sender = sender
	res.Recipient = merchant
	res.Timestamp = tx.BlockTime
	return res
}

func feePayer(tx *clients.SolanaTransaction) string {
	if len(tx.AccountKeys) == 0 {
		return ""
	}
	return tx.AccountKeys[0]
}

// lamportDelta returns post minus pre for the merchant account, or nil when
// the merchant is not part of the transaction.
func lamportDelta(tx *clients.SolanaTransaction, merchant string) *big.Int {
	for i, key := range tx.AccountKeys {
		if key != merchant {
			continue
		}
		if i >= len(tx.PreBalances) || i >= len(tx.PostBalances) {
			return nil
		}
		pre := new(big.Int).SetUint64(tx.PreBalances[i])
		post := new(big.Int).SetUint64(tx.PostBalances[i])
		return post.Sub(post, pre)
	}
	return nil
}

// tokenDelta sums the balance change of every token account of mint owned
// by merchant. Accounts created by the transaction have no pre balance.
func tokenDelta(tx *clients.SolanaTransaction, merchant, mint string) *big.Int {
	pre := make(map[int]*big.Int, len(tx.PreTokenBalances))
	for _, b := range tx.PreTokenBalances {
		if b.Owner == merchant && b.Mint == mint {
			pre[b.AccountIndex] = b.Amount
		}
	}

	var total *big.Int
	for _, b := range tx.PostTokenBalances {
		if b.Owner != merchant || b.Mint != mint || b.Amount == nil {
			continue
		}
		if total == nil {
			total = new(big.Int)
		}
		total.Add(total, b.Amount)
		if p, ok := pre[b.AccountIndex]; ok && p != nil {
			total.Sub(total, p)
		}
	}
	return total
}
